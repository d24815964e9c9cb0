package integration

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/classify"
	"peerdrop/internal/dirclient"
	"peerdrop/internal/directory"
	"peerdrop/internal/pipeline"
	"peerdrop/internal/protocol"
	"peerdrop/internal/session"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type endpoint struct {
	dir *dirclient.Client
	mgr *session.Manager
}

func startNetwork(t *testing.T, identities ...string) (*directory.Server, map[string]*endpoint) {
	t.Helper()

	server, err := directory.NewServer(directory.Config{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = server.Close()
	})

	endpoints := make(map[string]*endpoint, len(identities))
	for _, id := range identities {
		dir, err := dirclient.NewClient(dirclient.Config{
			Addr:   server.Addr(),
			Logger: quietLogger(),
		})
		if err != nil {
			t.Fatalf("NewClient(%s): %v", id, err)
		}
		t.Cleanup(func() { _ = dir.Close() })

		regCtx, regCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dir.Register(regCtx, id, "token-"+id); err != nil {
			regCancel()
			t.Fatalf("Register(%s): %v", id, err)
		}
		regCancel()

		mgr := session.NewManager(session.Config{
			Identity:  id,
			Directory: dir,
			Logger:    quietLogger(),
		})
		runCtx, stop := context.WithCancel(context.Background())
		go mgr.Run(runCtx)
		t.Cleanup(stop)

		endpoints[id] = &endpoint{dir: dir, mgr: mgr}
	}
	return server, endpoints
}

// receiveFiles collects complete files from e until count files arrived.
func receiveFiles(t *testing.T, e *endpoint, count int, results chan<- receivedFile) {
	t.Helper()
	go func() {
		receiver := pipeline.NewReceiver(quietLogger())
		receiving := false
		done := 0
		for done < count {
			select {
			case d := <-e.mgr.Transfers():
				switch p := d.Message.(type) {
				case *protocol.FileStart:
					key, err := e.mgr.SessionKey()
					if err != nil {
						results <- receivedFile{err: err}
						return
					}
					receiver.Start(p.Name, p.Algorithm, key)
					receiving = true
				case *protocol.FileChunk:
					if receiving {
						receiver.Add(p.Package)
					}
				case *protocol.FileEnd:
					data, stats := receiver.Finish()
					results <- receivedFile{data: data, stats: stats}
					receiving = false
					done++
				}
			case <-time.After(10 * time.Second):
				results <- receivedFile{err: context.DeadlineExceeded}
				return
			}
		}
	}()
}

type receivedFile struct {
	data  []byte
	stats pipeline.Stats
	err   error
}

func establish(t *testing.T, initiator, responder *endpoint, target string) {
	t.Helper()

	go func() {
		req := <-responder.mgr.Requests()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = responder.mgr.Accept(ctx, req)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := initiator.mgr.Initiate(ctx, target); err != nil {
		t.Fatalf("Initiate(%s): %v", target, err)
	}
}

func relayTransmit(dir *dirclient.Client, target string) pipeline.TransmitFunc {
	return func(ctx context.Context, msg protocol.Message) error {
		return dir.Relay(ctx, target, msg)
	}
}

func TestEndToEndTransfer(t *testing.T) {
	_, endpoints := startNetwork(t, "alice", "bob")
	alice, bob := endpoints["alice"], endpoints["bob"]

	establish(t, alice, bob, "bob")

	content := make([]byte, 300*1024)
	rand.New(rand.NewSource(99)).Read(content)

	results := make(chan receivedFile, 1)
	receiveFiles(t, bob, 1, results)

	key, err := alice.mgr.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}

	sender := pipeline.NewSender(quietLogger(), 64*1024)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := sender.SendFile(ctx, bytes.NewReader(content), "blob.bin", int64(len(content)),
		key, classify.StrategyNone, relayTransmit(alice.dir, "bob"))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if stats.BadChunks != 0 {
		t.Errorf("sender reported %d bad chunks", stats.BadChunks)
	}

	got := <-results
	if got.err != nil {
		t.Fatalf("receive: %v", got.err)
	}
	if !bytes.Equal(got.data, content) {
		t.Error("received bytes differ from sent bytes")
	}
	if got.stats.BadChunks != 0 {
		t.Errorf("receiver reported %d bad chunks", got.stats.BadChunks)
	}
}

func TestSequentialBatch(t *testing.T) {
	_, endpoints := startNetwork(t, "alice", "bob")
	alice, bob := endpoints["alice"], endpoints["bob"]

	establish(t, alice, bob, "bob")

	files := map[string][]byte{
		"one.txt":   bytes.Repeat([]byte("first "), 5000),
		"two.txt":   bytes.Repeat([]byte("second "), 5000),
		"three.txt": bytes.Repeat([]byte("third "), 5000),
	}
	order := []string{"one.txt", "two.txt", "three.txt"}

	results := make(chan receivedFile, len(order))
	receiveFiles(t, bob, len(order), results)

	key, err := alice.mgr.SessionKey()
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}

	sender := pipeline.NewSender(quietLogger(), 16*1024)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, name := range order {
		content := files[name]
		_, err := sender.SendFile(ctx, bytes.NewReader(content), name, int64(len(content)),
			key, classify.StrategyCompress, relayTransmit(alice.dir, "bob"))
		if err != nil {
			t.Fatalf("SendFile(%s): %v", name, err)
		}
	}

	// Files arrive complete and in send order.
	for _, name := range order {
		got := <-results
		if got.err != nil {
			t.Fatalf("receive %s: %v", name, got.err)
		}
		if got.stats.Name != name {
			t.Errorf("expected %s next, got %s", name, got.stats.Name)
		}
		if !bytes.Equal(got.data, files[name]) {
			t.Errorf("%s corrupted in transit", name)
		}
	}
}

func TestTransferBlockedWithoutSession(t *testing.T) {
	_, endpoints := startNetwork(t, "alice", "bob")
	alice, bob := endpoints["alice"], endpoints["bob"]

	// No handshake: bob's manager drops file payloads from strangers.
	err := alice.dir.Relay(context.Background(), "bob", &protocol.FileStart{Name: "x", Algorithm: protocol.AlgorithmNone})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}

	select {
	case d := <-bob.mgr.Transfers():
		t.Fatalf("unexpected transfer delivery: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}
}
