package store

import (
	"sort"
	"sync"
	"time"
)

// Store 定义了账户与出口状态持久化的行为。
// 所有写操作都是 读取完整记录 -> 合并补丁 -> 写回完整记录。
// 不存在的记录会以默认值合成，而不是返回错误。
type Store interface {
	Get(accountID string) (*Account, error)
	Lookup(accountID string) (*Account, bool, error)
	Upsert(accountID string, patch AccountPatch) (*Account, error)
	GetIdentity(accountID, identityKey string) (*Identity, error)
	UpsertIdentity(accountID, identityKey string, patch IdentityPatch) (*Identity, error)
	List() ([]*Account, error)
}

// backend is the raw record storage underneath recordStore.
type backend interface {
	load(accountID string) (*Account, bool, error)
	save(a *Account) error
	ids() ([]string, error)
}

// recordStore implements Store on top of a backend. Read-modify-write cycles are
// serialized per account so two identities of one account never lose each
// other's updates inside this process.
type recordStore struct {
	b     backend
	now   func() time.Time
	locks sync.Map // accountID -> *sync.Mutex
}

func newRecordStore(b backend) *recordStore {
	return &recordStore{b: b, now: time.Now}
}

func (s *recordStore) lock(accountID string) func() {
	v, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *recordStore) read(accountID string) (*Account, error) {
	a, ok, err := s.b.load(accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newAccount(accountID, s.now()), nil
	}
	a.normalize(accountID, s.now())
	return a, nil
}

func (s *recordStore) Get(accountID string) (*Account, error) {
	return s.read(accountID)
}

// Lookup is Get without synthesis; ok is false when no record was ever written.
func (s *recordStore) Lookup(accountID string) (*Account, bool, error) {
	a, ok, err := s.b.load(accountID)
	if err != nil || !ok {
		return nil, false, err
	}
	a.normalize(accountID, s.now())
	return a, true, nil
}

func (s *recordStore) Upsert(accountID string, patch AccountPatch) (*Account, error) {
	unlock := s.lock(accountID)
	defer unlock()

	a, err := s.read(accountID)
	if err != nil {
		return nil, err
	}
	a.apply(patch)
	if err := s.b.save(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *recordStore) GetIdentity(accountID, identityKey string) (*Identity, error) {
	a, err := s.read(accountID)
	if err != nil {
		return nil, err
	}
	if ident, ok := a.IPs[identityKey]; ok {
		c := *ident
		return &c, nil
	}
	return newIdentity(s.now()), nil
}

func (s *recordStore) UpsertIdentity(accountID, identityKey string, patch IdentityPatch) (*Identity, error) {
	unlock := s.lock(accountID)
	defer unlock()

	a, err := s.read(accountID)
	if err != nil {
		return nil, err
	}
	ident, ok := a.IPs[identityKey]
	if !ok {
		ident = newIdentity(s.now())
		a.IPs[identityKey] = ident
	}
	ident.apply(patch)
	if err := s.b.save(a); err != nil {
		return nil, err
	}
	c := *ident
	return &c, nil
}

func (s *recordStore) List() ([]*Account, error) {
	ids, err := s.b.ids()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.read(id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// MemoryStore keeps records in memory. It is used by tests and by the
// single-shot commands that must not touch the data directory.
type MemoryStore struct {
	*recordStore
}

type memBackend struct {
	mu      sync.RWMutex
	records map[string]*Account
}

// NewMemoryStore 创建一个空的内存 Store。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recordStore: newRecordStore(&memBackend{records: make(map[string]*Account)})}
}

func (m *memBackend) load(accountID string) (*Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.records[accountID]
	if !ok {
		return nil, false, nil
	}
	return a.clone(), true, nil
}

func (m *memBackend) save(a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[a.ID] = a.clone()
	return nil
}

func (m *memBackend) ids() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// hookedStore reports every successful write to a callback.
type hookedStore struct {
	Store
	hook func(accountID string)
}

// WithHook 包装一个 Store，在每次成功写入后以账户 ID 调用 hook。
func WithHook(s Store, hook func(accountID string)) Store {
	if hook == nil {
		return s
	}
	return &hookedStore{Store: s, hook: hook}
}

func (h *hookedStore) Upsert(accountID string, patch AccountPatch) (*Account, error) {
	a, err := h.Store.Upsert(accountID, patch)
	if err == nil {
		h.hook(accountID)
	}
	return a, err
}

func (h *hookedStore) UpsertIdentity(accountID, identityKey string, patch IdentityPatch) (*Identity, error) {
	ident, err := h.Store.UpsertIdentity(accountID, identityKey, patch)
	if err == nil {
		h.hook(accountID)
	}
	return ident, err
}
