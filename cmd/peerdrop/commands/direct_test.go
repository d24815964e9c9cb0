package commands

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/dirclient"
	"peerdrop/internal/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fakeConn struct {
	peer string
	in   chan []byte
	sent chan []byte
}

func (f *fakeConn) PeerID() string { return f.peer }

func (f *fakeConn) Send(data []byte) error {
	f.sent <- data
	return nil
}

func (f *fakeConn) Recv() <-chan []byte { return f.in }

func (f *fakeConn) Close() error { return nil }

func TestPumpDirectAcksBadFrame(t *testing.T) {
	conn := &fakeConn{
		peer: "alice",
		in:   make(chan []byte, 2),
		sent: make(chan []byte, 2),
	}
	codec := protocol.NewCodec()

	good, err := codec.EncodeToBytes(&protocol.FileEnd{})
	if err != nil {
		t.Fatalf("EncodeToBytes: %v", err)
	}
	conn.in <- []byte{0xff, 0x00, 0x01}
	conn.in <- good
	close(conn.in)

	out := make(chan dirclient.Delivery, 2)
	pumpDirect(context.Background(), conn, codec, out, quietLogger())

	// The undecodable frame is acked too; the sender must never stall.
	if got := len(conn.sent); got != 2 {
		t.Errorf("expected 2 acks, got %d", got)
	}

	if got := len(out); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	d := <-out
	if d.From != "alice" {
		t.Errorf("delivery from %q, want alice", d.From)
	}
	if _, ok := d.Message.(*protocol.FileEnd); !ok {
		t.Errorf("expected *protocol.FileEnd, got %T", d.Message)
	}
}
