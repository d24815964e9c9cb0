package transport

import "testing"

func TestDataChannelConnLateDeliveryAfterClose(t *testing.T) {
	c := &dataChannelConn{
		peerID: "peer",
		opened: make(chan struct{}),
		recv:   make(chan []byte, 16),
	}

	c.deliver([]byte("first"))
	c.closeRecv()

	// A message racing the shutdown must be dropped, not panic.
	c.deliver([]byte("late"))

	data, ok := <-c.recv
	if !ok || string(data) != "first" {
		t.Errorf("expected buffered message to survive, got %q (ok=%v)", data, ok)
	}
	if _, ok := <-c.recv; ok {
		t.Error("recv must be closed after shutdown")
	}

	// Closing twice is a no-op.
	c.closeRecv()
}
