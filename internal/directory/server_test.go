package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/dirclient"
	"peerdrop/internal/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func startServer(t *testing.T) *Server {
	t.Helper()

	server, err := NewServer(Config{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
	})

	return server
}

func connect(t *testing.T, server *Server, identity string) *dirclient.Client {
	t.Helper()

	c, err := dirclient.NewClient(dirclient.Config{
		Addr:           server.Addr(),
		Logger:         quietLogger(),
		LookupAttempts: 2,
		LookupDelay:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Register(ctx, identity, "token-"+identity); err != nil {
		t.Fatalf("Register(%s): %v", identity, err)
	}
	return c
}

func TestRegisterAndLookup(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "Alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Identities are normalized: "Alice" resolves as "alice".
	endpoint, found, err := alice.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found {
		t.Fatal("expected alice to be bound")
	}
	if endpoint != "token-Alice" {
		t.Errorf("expected token-Alice, got %q", endpoint)
	}

	_, found, err = alice.Lookup(ctx, "ghost")
	if err != nil {
		t.Fatalf("Lookup(ghost): %v", err)
	}
	if found {
		t.Error("unknown identity must not resolve")
	}
}

func TestRelayDelivery(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := alice.Relay(ctx, "bob", &protocol.ConnRequest{Key: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	select {
	case d := <-bob.Deliveries():
		if d.From != "alice" {
			t.Errorf("expected sender alice, got %q", d.From)
		}
		req, ok := d.Message.(*protocol.ConnRequest)
		if !ok {
			t.Fatalf("expected *protocol.ConnRequest, got %T", d.Message)
		}
		if len(req.Key) != 3 {
			t.Errorf("payload corrupted: %v", req.Key)
		}
	case <-ctx.Done():
		t.Fatal("delivery never arrived")
	}
}

func TestRelayToUnboundTarget(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := alice.Relay(ctx, "ghost", &protocol.ConnRequest{Key: []byte{1}})
	if !errors.Is(err, dirclient.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// No forwarding side effect: nothing reaches the other client.
	select {
	case d := <-bob.Deliveries():
		t.Fatalf("unexpected delivery: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerList(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "alice")
	connect(t, server, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := alice.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", peers)
	}
}

func TestRebindLastWriterWins(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "alice")
	connect(t, server, "carol")

	// A second connection claims carol; the directory silently overrides.
	c2, err := dirclient.NewClient(dirclient.Config{Addr: server.Addr(), Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c2.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c2.Register(ctx, "carol", "token-2"); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	endpoint, found, err := alice.Lookup(ctx, "carol")
	if err != nil || !found {
		t.Fatalf("Lookup after rebind: %v found=%v", err, found)
	}
	if endpoint != "token-2" {
		t.Errorf("expected token-2 after rebind, got %q", endpoint)
	}
}

func TestOfflineAfterDisconnect(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "alice")
	bob := connect(t, server, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = bob.Close()

	// The binding disappears once the server notices the closed conn.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, found, err := alice.Lookup(ctx, "bob")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bob still bound after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// And relaying to him now reports not-found.
	err := alice.Relay(ctx, "bob", &protocol.ConnDecline{Reason: "x"})
	if !errors.Is(err, dirclient.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after disconnect, got %v", err)
	}
}

func TestPresenceBroadcasts(t *testing.T) {
	server := startServer(t)
	alice := connect(t, server, "alice")

	bob := connect(t, server, "bob")

	// Alice sees bob come online.
	waitEvent(t, alice, "bob", true)

	_ = bob.Close()
	waitEvent(t, alice, "bob", false)
}

func waitEvent(t *testing.T, c *dirclient.Client, identity string, online bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Identity == identity && ev.Online == online {
				return
			}
		case <-deadline:
			t.Fatalf("never saw %s online=%v", identity, online)
		}
	}
}

func TestDisplacedConnectionRelaysAnonymously(t *testing.T) {
	server := startServer(t)
	old := connect(t, server, "alice")
	connect(t, server, "alice") // displaces old's binding
	bob := connect(t, server, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := old.Relay(ctx, "bob", &protocol.ConnRequest{Key: []byte{1}}); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	select {
	case d := <-bob.Deliveries():
		// The displaced connection no longer holds the name it registered;
		// its relay must not claim it.
		if d.From == "alice" {
			t.Error("displaced connection must not relay as alice")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}
}
