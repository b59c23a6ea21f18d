package store

import "time"

// Recorder 提供生命周期管理器使用的高层状态更新操作。
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder wraps a Store.
func NewRecorder(s Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// InitAccount creates or refreshes the account record, keeping fields already set.
func (r *Recorder) InitAccount(accountID, name string, ipsCount int) (*Account, error) {
	return r.store.Upsert(accountID, AccountPatch{Name: &name, IPsCount: &ipsCount})
}

// SetIdentityStatus 设置出口状态，同时清除 sleeping 标记。
func (r *Recorder) SetIdentityStatus(accountID, key string, status IdentityStatus) error {
	now := r.now()
	_, err := r.store.UpsertIdentity(accountID, key, IdentityPatch{
		Status:    &status,
		Sleeping:  Ptr(false),
		UpdatedAt: &now,
	})
	return err
}

// IncreaseIdentityRetries 将出口的失败计数加一，返回新的计数。
func (r *Recorder) IncreaseIdentityRetries(accountID, key string) (int, error) {
	ident, err := r.store.GetIdentity(accountID, key)
	if err != nil {
		return 0, err
	}
	now := r.now()
	retries := ident.Retries + 1
	_, err = r.store.UpsertIdentity(accountID, key, IdentityPatch{Retries: &retries, UpdatedAt: &now})
	return retries, err
}

// ResetIdentityRetries is called after a confirmed liveness exchange only.
func (r *Recorder) ResetIdentityRetries(accountID, key string) error {
	now := r.now()
	_, err := r.store.UpsertIdentity(accountID, key, IdentityPatch{Retries: Ptr(0), UpdatedAt: &now})
	return err
}

// MarkSleeping flags the identity as cooling down.
func (r *Recorder) MarkSleeping(accountID, key string) error {
	now := r.now()
	_, err := r.store.UpsertIdentity(accountID, key, IdentityPatch{Sleeping: Ptr(true), UpdatedAt: &now})
	return err
}

// Retries returns the persisted failure count of an identity.
func (r *Recorder) Retries(accountID, key string) (int, error) {
	ident, err := r.store.GetIdentity(accountID, key)
	if err != nil {
		return 0, err
	}
	return ident.Retries, nil
}

// SetLastError records the last failure reason on the account.
func (r *Recorder) SetLastError(accountID, reason string) error {
	_, err := r.store.Upsert(accountID, AccountPatch{LastError: &reason})
	return err
}

// SetUID records the user id returned by authentication.
func (r *Recorder) SetUID(accountID, uid string) error {
	_, err := r.store.Upsert(accountID, AccountPatch{UID: &uid})
	return err
}
