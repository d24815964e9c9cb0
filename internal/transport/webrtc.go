package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const dataChannelLabel = "peerdrop-data"

// signalEnvelope is the JSON blob exchanged through the Signaler while a
// connection is negotiated.
type signalEnvelope struct {
	Kind      string                     `json:"kind"` // offer | answer | candidate
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type WebRTCConfig struct {
	STUNServers []string
	Logger      *logrus.Logger
}

// WebRTCTransport negotiates pion data channels through a Signaler. It is
// the direct-path implementation of Transport; chunk traffic can equally
// flow through the relay itself.
type WebRTCTransport struct {
	config   WebRTCConfig
	logger   *logrus.Logger
	signaler Signaler
	api      webrtc.Configuration

	mu      sync.Mutex
	pending map[string]*webrtc.PeerConnection
	accepts chan Conn
	closed  bool
}

func NewWebRTCTransport(cfg WebRTCConfig, signaler Signaler) *WebRTCTransport {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}

	t := &WebRTCTransport{
		config:   cfg,
		logger:   cfg.Logger,
		signaler: signaler,
		api: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
		},
		pending: make(map[string]*webrtc.PeerConnection),
		accepts: make(chan Conn, 4),
	}
	go t.signalLoop()

	return t
}

func (t *WebRTCTransport) Accept() <-chan Conn {
	return t.accepts
}

func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*webrtc.PeerConnection)
	t.mu.Unlock()

	for _, pc := range pending {
		_ = pc.Close()
	}
	return t.signaler.Close()
}

// Connect opens a data channel to peerID as the initiator: create the
// channel, send an offer through the signaler, then wait for the channel
// to open.
func (t *WebRTCTransport) Connect(ctx context.Context, peerID string) (Conn, error) {
	pc, err := webrtc.NewPeerConnection(t.api)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t.track(peerID, pc)

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	conn := newDataChannelConn(peerID, pc, dc)
	t.wireICE(ctx, peerID, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := t.sendEnvelope(ctx, peerID, signalEnvelope{Kind: "offer", SDP: &offer}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	select {
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	case <-conn.opened:
		return conn, nil
	}
}

func (t *WebRTCTransport) signalLoop() {
	for sig := range t.signaler.Signals() {
		if err := t.handleSignal(sig); err != nil {
			t.logger.Warnf("Failed to handle signal from %q: %v", sig.PeerID, err)
		}
	}
}

func (t *WebRTCTransport) handleSignal(sig Signal) error {
	var env signalEnvelope
	if err := json.Unmarshal(sig.Payload, &env); err != nil {
		return fmt.Errorf("bad signal envelope: %w", err)
	}

	switch env.Kind {
	case "offer":
		return t.handleOffer(sig.PeerID, env)
	case "answer":
		pc, ok := t.lookup(sig.PeerID)
		if !ok || env.SDP == nil {
			return fmt.Errorf("answer without pending offer")
		}
		return pc.SetRemoteDescription(*env.SDP)
	case "candidate":
		pc, ok := t.lookup(sig.PeerID)
		if !ok || env.Candidate == nil {
			return fmt.Errorf("candidate without connection")
		}
		return pc.AddICECandidate(*env.Candidate)
	default:
		return fmt.Errorf("unknown signal kind %q", env.Kind)
	}
}

// handleOffer runs the answering side: accept the remote data channel,
// answer the offer and surface the conn once the channel opens.
func (t *WebRTCTransport) handleOffer(peerID string, env signalEnvelope) error {
	if env.SDP == nil {
		return fmt.Errorf("offer without SDP")
	}

	pc, err := webrtc.NewPeerConnection(t.api)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	t.track(peerID, pc)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn := newDataChannelConn(peerID, pc, dc)
		go func() {
			<-conn.opened
			select {
			case t.accepts <- conn:
			default:
				t.logger.Warnf("Dropping inbound connection from %q: accept queue full", peerID)
				_ = conn.Close()
			}
		}()
	})

	ctx := context.Background()
	t.wireICE(ctx, peerID, pc)

	if err := pc.SetRemoteDescription(*env.SDP); err != nil {
		_ = pc.Close()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return err
	}
	return t.sendEnvelope(ctx, peerID, signalEnvelope{Kind: "answer", SDP: &answer})
}

func (t *WebRTCTransport) wireICE(ctx context.Context, peerID string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		candidate := ice.ToJSON()
		err := t.sendEnvelope(ctx, peerID, signalEnvelope{Kind: "candidate", Candidate: &candidate})
		if err != nil {
			t.logger.Warnf("Failed to send ICE candidate to %q: %v", peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debugf("Connection with %q: %s", peerID, s)
		if s == webrtc.PeerConnectionStateDisconnected || s == webrtc.PeerConnectionStateFailed {
			t.untrack(peerID)
		}
	})
}

func (t *WebRTCTransport) sendEnvelope(ctx context.Context, peerID string, env signalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.signaler.SendSignal(ctx, peerID, data)
}

func (t *WebRTCTransport) track(peerID string, pc *webrtc.PeerConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prior, ok := t.pending[peerID]; ok {
		_ = prior.Close()
	}
	t.pending[peerID] = pc
}

func (t *WebRTCTransport) lookup(peerID string) (*webrtc.PeerConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.pending[peerID]
	return pc, ok
}

func (t *WebRTCTransport) untrack(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, peerID)
}

// dataChannelConn adapts one pion data channel to Conn.
type dataChannelConn struct {
	peerID string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	opened chan struct{}

	// mu serializes deliveries against closing recv: pion may fire
	// OnMessage after Close, and a bare send would panic then.
	mu     sync.Mutex
	closed bool
	recv   chan []byte
}

func newDataChannelConn(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *dataChannelConn {
	c := &dataChannelConn{
		peerID: peerID,
		pc:     pc,
		dc:     dc,
		opened: make(chan struct{}),
		recv:   make(chan []byte, 16),
	}

	dc.OnOpen(func() {
		close(c.opened)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnClose(func() {
		c.closeRecv()
	})

	return c
}

func (c *dataChannelConn) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.recv <- data
}

func (c *dataChannelConn) closeRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.recv)
}

func (c *dataChannelConn) PeerID() string { return c.peerID }

func (c *dataChannelConn) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *dataChannelConn) Recv() <-chan []byte { return c.recv }

func (c *dataChannelConn) Close() error {
	c.closeRecv()
	_ = c.dc.Close()
	return c.pc.Close()
}
