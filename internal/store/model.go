package store

import "time"

// IdentityStatus 是某个出口（账户 × 代理）最近一次观测到的连接状态。
type IdentityStatus string

const (
	StatusActive IdentityStatus = "active"
	StatusOpen   IdentityStatus = "open"
	StatusClosed IdentityStatus = "closed"
	StatusError  IdentityStatus = "error"
)

const (
	defaultName     = "未命名"
	defaultIPsCount = 50
)

// Identity 记录一个出口的健康状态。它在磁盘上嵌套在 Account.IPs 中。
type Identity struct {
	Retries   int            `json:"retries"`
	Sleeping  bool           `json:"sleeping"`
	Status    IdentityStatus `json:"status,omitempty"`
	UpdatedAt int64          `json:"updatedAt"` // unix ms
}

// Account 是每个账户在磁盘上的完整记录。
type Account struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	IPsCount  int                  `json:"ipsCount"`
	CreatedAt int64                `json:"createdAt"` // unix ms
	UID       string               `json:"uid,omitempty"`
	LastError string               `json:"lastError,omitempty"`
	IPs       map[string]*Identity `json:"ips,omitempty"`
}

// AccountPatch carries the fields to merge into an Account. Nil fields are left untouched.
type AccountPatch struct {
	Name      *string
	IPsCount  *int
	UID       *string
	LastError *string
}

// IdentityPatch carries the fields to merge into an Identity. Nil fields are left untouched.
type IdentityPatch struct {
	Retries   *int
	Sleeping  *bool
	Status    *IdentityStatus
	UpdatedAt *time.Time
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T { return &v }

func newAccount(id string, now time.Time) *Account {
	return &Account{
		ID:        id,
		Name:      defaultName,
		IPsCount:  defaultIPsCount,
		CreatedAt: now.UnixMilli(),
		IPs:       make(map[string]*Identity),
	}
}

func newIdentity(now time.Time) *Identity {
	return &Identity{UpdatedAt: now.UnixMilli()}
}

func (a *Account) apply(p AccountPatch) {
	if p.Name != nil && *p.Name != "" {
		a.Name = *p.Name
	}
	if p.IPsCount != nil && *p.IPsCount > 0 {
		a.IPsCount = *p.IPsCount
	}
	if p.UID != nil {
		a.UID = *p.UID
	}
	if p.LastError != nil {
		a.LastError = *p.LastError
	}
}

func (i *Identity) apply(p IdentityPatch) {
	if p.Retries != nil {
		i.Retries = *p.Retries
	}
	if p.Sleeping != nil {
		i.Sleeping = *p.Sleeping
	}
	if p.Status != nil {
		i.Status = *p.Status
	}
	if p.UpdatedAt != nil {
		i.UpdatedAt = p.UpdatedAt.UnixMilli()
	}
}

// normalize fills the defaults a record written by an older version may lack.
func (a *Account) normalize(id string, now time.Time) {
	if a.ID == "" {
		a.ID = id
	}
	if a.Name == "" {
		a.Name = defaultName
	}
	if a.IPsCount <= 0 {
		a.IPsCount = defaultIPsCount
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = now.UnixMilli()
	}
	if a.IPs == nil {
		a.IPs = make(map[string]*Identity)
	}
}

func (a *Account) clone() *Account {
	c := *a
	c.IPs = make(map[string]*Identity, len(a.IPs))
	for k, v := range a.IPs {
		ic := *v
		c.IPs[k] = &ic
	}
	return &c
}
