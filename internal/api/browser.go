package api

import (
	"sync"

	"github.com/google/uuid"
)

// BrowserID holds the browser id of a manager. It survives reconnects and is
// replaced only when the service rejects the session.
type BrowserID struct {
	mu sync.Mutex
	v  string
}

// NewBrowserID creates a holder with a fresh UUID v4.
func NewBrowserID() *BrowserID { return &BrowserID{v: uuid.NewString()} }

func (b *BrowserID) Get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// Regenerate replaces the id and returns the new value.
func (b *BrowserID) Regenerate() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = uuid.NewString()
	return b.v
}
