package directory

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)

	registry, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func TestRegistryBindLookup(t *testing.T) {
	registry := newTestRegistry(t)
	c := &client{}

	rebound, err := registry.Bind("alice", "endpoint-1", c)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if rebound {
		t.Error("first bind must not report a rebind")
	}

	endpoint, found := registry.Lookup("alice")
	if !found {
		t.Fatal("expected alice to be bound")
	}
	if endpoint != "endpoint-1" {
		t.Errorf("expected endpoint-1, got %s", endpoint)
	}
}

func TestRegistryLastWriterWins(t *testing.T) {
	registry := newTestRegistry(t)
	c1, c2 := &client{}, &client{}

	if _, err := registry.Bind("alice", "e1", c1); err != nil {
		t.Fatal(err)
	}
	rebound, err := registry.Bind("alice", "e2", c2)
	if err != nil {
		t.Fatal(err)
	}
	if !rebound {
		t.Error("second bind of the same identity must report a rebind")
	}

	endpoint, found := registry.Lookup("alice")
	if !found || endpoint != "e2" {
		t.Errorf("expected e2 after rebind, got %q (found=%v)", endpoint, found)
	}

	handle, ok := registry.Handle("alice")
	if !ok || handle != c2 {
		t.Error("handle must follow the latest binding")
	}
}

func TestRegistryUnbind(t *testing.T) {
	registry := newTestRegistry(t)
	c := &client{}

	if _, err := registry.Bind("alice", "e1", c); err != nil {
		t.Fatal(err)
	}

	unbound := registry.UnbindClient(c)
	if len(unbound) != 1 || unbound[0] != "alice" {
		t.Fatalf("expected to unbind alice, got %v", unbound)
	}

	if _, found := registry.Lookup("alice"); found {
		t.Error("alice must not resolve after unbind")
	}
	if _, ok := registry.Handle("alice"); ok {
		t.Error("no handle must remain after unbind")
	}
}

func TestRegistryUnbindAllIdentitiesOfClient(t *testing.T) {
	registry := newTestRegistry(t)
	c, other := &client{}, &client{}

	if _, err := registry.Bind("alice", "e1", c); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Bind("alpha", "e1", c); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Bind("bob", "e2", other); err != nil {
		t.Fatal(err)
	}

	unbound := registry.UnbindClient(c)
	if len(unbound) != 2 {
		t.Fatalf("expected 2 unbound identities, got %v", unbound)
	}
	for _, identity := range []string{"alice", "alpha"} {
		if _, found := registry.Lookup(identity); found {
			t.Errorf("%s must not resolve after unbind", identity)
		}
	}
	if _, found := registry.Lookup("bob"); !found {
		t.Error("bob's binding must survive another client's unbind")
	}
}

func TestRegistryUnbindUnknownClient(t *testing.T) {
	registry := newTestRegistry(t)

	if unbound := registry.UnbindClient(&client{}); len(unbound) != 0 {
		t.Errorf("unbinding an unknown client must be a no-op, got %v", unbound)
	}
}

func TestRegistryIdentities(t *testing.T) {
	registry := newTestRegistry(t)

	if _, err := registry.Bind("alice", "e1", &client{}); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Bind("bob", "e2", &client{}); err != nil {
		t.Fatal(err)
	}

	identities := registry.Identities()
	if len(identities) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(identities))
	}
}
