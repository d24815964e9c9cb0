package directory

import (
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Binding is one identity → endpoint row. Rows live only while the owning
// relay connection is open; the table is backed by an in-memory database
// and is never persisted across restarts.
type Binding struct {
	ID       uint `gorm:"primaryKey"`
	Identity string
	Endpoint string
}

// Registry is the single shared mutable resource of the directory service.
// All access is serialized behind one mutex so relay forwarding stays
// atomic with respect to register/unregister.
type Registry struct {
	mu      sync.Mutex
	db      *gorm.DB
	handles map[string]*client
}

func NewRegistry(db *gorm.DB) (*Registry, error) {
	if err := db.AutoMigrate(&Binding{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	return &Registry{
		db:      db,
		handles: make(map[string]*client),
	}, nil
}

// Bind registers identity at endpoint, replacing any prior binding for the
// same identity (last-writer-wins). Returns true when a prior binding was
// replaced.
func (r *Registry) Bind(identity, endpoint string, c *client) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, rebound := r.handles[identity]
	if rebound {
		if err := r.db.Where("identity = ?", identity).Delete(&Binding{}).Error; err != nil {
			return false, err
		}
	}

	row := Binding{Identity: identity, Endpoint: endpoint}
	if err := r.db.Create(&row).Error; err != nil {
		return false, err
	}
	r.handles[identity] = c

	return rebound, nil
}

// Lookup returns the endpoint bound to identity.
func (r *Registry) Lookup(identity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var row Binding
	err := r.db.Where("identity = ?", identity).First(&row).Error
	if err != nil {
		return "", false
	}
	return row.Endpoint, true
}

// Handle returns the live connection for identity, atomically with the
// binding state: a removed binding is never returned.
func (r *Registry) Handle(identity string) (*client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.handles[identity]
	return c, ok
}

// Identities lists all currently bound identities.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []Binding
	r.db.Find(&rows)

	identities := make([]string, 0, len(rows))
	for _, row := range rows {
		identities = append(identities, row.Identity)
	}
	return identities
}

// UnbindClient removes every binding held by c and reports the identities
// that were unbound. A connection may have registered more than one name.
func (r *Registry) UnbindClient(c *client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var unbound []string
	for identity, handle := range r.handles {
		if handle != c {
			continue
		}
		delete(r.handles, identity)
		r.db.Where("identity = ?", identity).Delete(&Binding{})
		unbound = append(unbound, identity)
	}
	return unbound
}
