// Package session drives the client-side handshake state machine. A
// manager owns at most one secure session at a time: it initiates or
// answers conn-request/conn-accept exchanges through the directory relay,
// derives the shared symmetric key, and tears the session down when the
// peer disappears from the directory.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/crypto"
	"peerdrop/internal/dirclient"
	"peerdrop/internal/protocol"
	"peerdrop/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateSecure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request-sent"
	case StateSecure:
		return "secure"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects a new handshake while a session is active.
	ErrBusy = errors.New("a session is already active")
	// ErrDeclined reports that the peer declined the connection request.
	ErrDeclined = errors.New("connection declined by peer")
	// ErrHandshakeTimeout reports that the peer never answered.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrNoSession reports an operation that needs a secure session.
	ErrNoSession = errors.New("no secure session")
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultMissThreshold    = 2
	DefaultHandshakeTimeout = 30 * time.Second
)

type Config struct {
	Identity  string
	Directory *dirclient.Client
	Logger    *logrus.Logger

	// PollInterval and MissThreshold tune liveness detection: the active
	// peer must be absent from the directory MissThreshold polls in a row
	// before the session is torn down.
	PollInterval     time.Duration
	MissThreshold    int
	HandshakeTimeout time.Duration
}

// Request is an incoming conn-request surfaced to the caller, who answers
// with Manager.Accept or Manager.Decline.
type Request struct {
	From string
	Key  []byte
}

// acceptReply and declineReply carry the answering peer's identity so
// Initiate can discard replies that do not belong to the current attempt.
type acceptReply struct {
	from string
	key  []byte
}

type declineReply struct {
	from   string
	reason string
}

type Manager struct {
	config Config
	logger *logrus.Logger
	dir    *dirclient.Client

	mu         sync.Mutex
	state      State
	keys       *crypto.KeyPair
	peer       string
	sessionKey [crypto.KeySize]byte
	hasKey     bool

	accepts  chan acceptReply
	declines chan declineReply

	requests  chan Request
	transfers chan dirclient.Delivery
	signals   chan transport.Signal
	peerLost  chan string
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = DefaultMissThreshold
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	return &Manager{
		config:    cfg,
		logger:    cfg.Logger,
		dir:       cfg.Directory,
		state:     StateIdle,
		accepts:   make(chan acceptReply, 1),
		declines:  make(chan declineReply, 1),
		requests:  make(chan Request, 4),
		transfers: make(chan dirclient.Delivery, 100),
		signals:   make(chan transport.Signal, 16),
		peerLost:  make(chan string, 1),
	}
}

// Run dispatches relayed payloads and polls liveness until ctx is canceled
// or the directory connection drops. It is the single consumer of the
// directory client's delivery stream.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Debugf("Session manager running for %q", m.config.Identity)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.dir.Done():
			m.teardown("directory connection lost")
			return
		case d, ok := <-m.dir.Deliveries():
			if !ok {
				return
			}
			m.dispatch(ctx, d)
		case <-ticker.C:
			misses = m.pollLiveness(ctx, misses)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, d dirclient.Delivery) {
	switch p := d.Message.(type) {
	case *protocol.ConnRequest:
		m.handleConnRequest(ctx, d.From, p)
	case *protocol.ConnAccept:
		select {
		case m.accepts <- acceptReply{from: protocol.NormalizeIdentity(d.From), key: p.Key}:
		default:
		}
	case *protocol.ConnDecline:
		select {
		case m.declines <- declineReply{from: protocol.NormalizeIdentity(d.From), reason: p.Reason}:
		default:
		}
	case *protocol.FileStart, *protocol.FileChunk, *protocol.FileEnd:
		if !m.fromActivePeer(d.From) {
			m.logger.Warnf("Dropping %s from %q: no secure session with them", d.Message.Type(), d.From)
			return
		}
		m.transfers <- d
	case *protocol.SignalBlob:
		if !m.fromActivePeer(d.From) {
			m.logger.Warnf("Dropping signal from %q: no secure session with them", d.From)
			return
		}
		select {
		case m.signals <- transport.Signal{PeerID: protocol.NormalizeIdentity(d.From), Payload: p.Payload}:
		default:
			m.logger.Warnf("Dropping signal from %q: signal queue full", d.From)
		}
	default:
		m.logger.Debugf("Unhandled payload type %s from %q", d.Message.Type(), d.From)
	}
}

func (m *Manager) handleConnRequest(ctx context.Context, from string, req *protocol.ConnRequest) {
	m.mu.Lock()
	busy := m.state != StateIdle
	m.mu.Unlock()

	if busy {
		m.logger.Infof("Declining conn-request from %q: session busy", from)
		m.relayDecline(ctx, from, "busy")
		return
	}

	select {
	case m.requests <- Request{From: from, Key: req.Key}:
	default:
		m.logger.Warnf("Dropping conn-request from %q: request queue full", from)
		m.relayDecline(ctx, from, "busy")
	}
}

func (m *Manager) relayDecline(ctx context.Context, target, reason string) {
	if err := m.dir.Relay(ctx, target, &protocol.ConnDecline{Reason: reason}); err != nil {
		m.logger.Debugf("Failed to send decline to %q: %v", target, err)
	}
}

// Requests surfaces incoming connection requests awaiting Accept/Decline.
func (m *Manager) Requests() <-chan Request {
	return m.requests
}

// Transfers streams file-start/chunk/end payloads from the active peer.
func (m *Manager) Transfers() <-chan dirclient.Delivery {
	return m.transfers
}

// PeerLost fires with the peer identity when liveness polling tears down
// the session; any in-flight transfer must be aborted by the consumer.
func (m *Manager) PeerLost() <-chan string {
	return m.peerLost
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// SessionKey returns the shared symmetric key of the secure session.
func (m *Manager) SessionKey() ([crypto.KeySize]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasKey {
		return [crypto.KeySize]byte{}, ErrNoSession
	}
	return m.sessionKey, nil
}

// Initiate runs the initiator side of the handshake against target: a
// retried directory lookup, a relayed conn-request, then a wait for the
// peer's answer. On success the manager is Secure with target as the
// active peer.
func (m *Manager) Initiate(ctx context.Context, target string) error {
	target = protocol.NormalizeIdentity(target)

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("handshake with %q: %w", target, ErrBusy)
	}
	m.state = StateRequestSent
	m.mu.Unlock()

	// Replies left over from an earlier attempt must not leak into this one.
	m.drainReplies()

	if _, err := m.dir.LookupRetry(ctx, target); err != nil {
		m.setIdle()
		return fmt.Errorf("handshake with %q: lookup: %w", target, err)
	}

	keys, err := m.ensureKeys()
	if err != nil {
		m.setIdle()
		return fmt.Errorf("handshake with %q: keygen: %w", target, err)
	}

	if err := m.dir.Relay(ctx, target, &protocol.ConnRequest{Key: keys.PublicBytes()}); err != nil {
		m.setIdle()
		return fmt.Errorf("handshake with %q: request: %w", target, err)
	}

	timeout := time.NewTimer(m.config.HandshakeTimeout)
	defer timeout.Stop()

	// Only a reply from target itself resolves this attempt; a stale
	// conn-accept from an earlier, timed-out handshake would otherwise
	// secure the session with the wrong peer's key.
	for {
		select {
		case <-ctx.Done():
			m.setIdle()
			return ctx.Err()
		case <-timeout.C:
			m.setIdle()
			return fmt.Errorf("handshake with %q: %w", target, ErrHandshakeTimeout)
		case d := <-m.declines:
			if d.from != target {
				m.logger.Debugf("Ignoring conn-decline from %q during handshake with %q", d.from, target)
				continue
			}
			m.setIdle()
			return fmt.Errorf("handshake with %q: %w: %s", target, ErrDeclined, d.reason)
		case a := <-m.accepts:
			if a.from != target {
				m.logger.Debugf("Ignoring conn-accept from %q during handshake with %q", a.from, target)
				continue
			}
			if err := m.secure(target, keys, a.key); err != nil {
				m.setIdle()
				return fmt.Errorf("handshake with %q: %w", target, err)
			}
			return nil
		}
	}
}

// drainReplies discards buffered handshake replies from prior attempts.
func (m *Manager) drainReplies() {
	for {
		select {
		case <-m.accepts:
		case <-m.declines:
		default:
			return
		}
	}
}

// Accept answers an incoming request: the same key agreement as the
// initiator side, followed by a relayed conn-accept.
func (m *Manager) Accept(ctx context.Context, req Request) error {
	from := protocol.NormalizeIdentity(req.From)

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("accept from %q: %w", from, ErrBusy)
	}
	m.mu.Unlock()

	keys, err := m.ensureKeys()
	if err != nil {
		return fmt.Errorf("accept from %q: keygen: %w", from, err)
	}

	if err := m.secure(from, keys, req.Key); err != nil {
		return fmt.Errorf("accept from %q: %w", from, err)
	}

	if err := m.dir.Relay(ctx, from, &protocol.ConnAccept{Key: keys.PublicBytes()}); err != nil {
		m.teardown("accept reply failed")
		return fmt.Errorf("accept from %q: reply: %w", from, err)
	}

	m.logger.Infof("Secure session established with %q", from)
	return nil
}

// Decline rejects an incoming request.
func (m *Manager) Decline(ctx context.Context, req Request, reason string) {
	m.relayDecline(ctx, req.From, reason)
}

// SendSignal relays an opaque negotiation blob to peerID. Together with
// Signals and Close it satisfies the transport signaling boundary, so a
// direct channel can be negotiated through the directory relay.
func (m *Manager) SendSignal(ctx context.Context, peerID string, payload []byte) error {
	return m.dir.Relay(ctx, peerID, &protocol.SignalBlob{Payload: payload})
}

// Signals streams negotiation blobs relayed by the active peer.
func (m *Manager) Signals() <-chan transport.Signal {
	return m.signals
}

// Close tears down any active session and clears key material.
func (m *Manager) Close() error {
	m.teardown("closed")
	return nil
}

// secure imports the peer key, derives the session key and flips to Secure.
// Handshake failures leave no partial session state behind.
func (m *Manager) secure(peer string, keys *crypto.KeyPair, peerKey []byte) error {
	pub, err := crypto.ImportPublicKey(peerKey)
	if err != nil {
		return fmt.Errorf("key import: %w", err)
	}

	key, err := crypto.DeriveSessionKey(keys.Private, pub)
	if err != nil {
		return fmt.Errorf("key agreement: %w", err)
	}

	m.mu.Lock()
	m.state = StateSecure
	m.peer = peer
	m.sessionKey = key
	m.hasKey = true
	m.mu.Unlock()

	m.logger.Infof("Session with %q is secure", peer)
	return nil
}

func (m *Manager) pollLiveness(ctx context.Context, misses int) int {
	m.mu.Lock()
	state, peer := m.state, m.peer
	m.mu.Unlock()

	if state != StateSecure {
		return 0
	}

	pollCtx, cancel := context.WithTimeout(ctx, m.config.PollInterval)
	identities, err := m.dir.Peers(pollCtx)
	cancel()
	if err != nil {
		m.logger.Debugf("Liveness poll failed: %v", err)
		return misses
	}

	for _, id := range identities {
		if id == peer {
			return 0
		}
	}

	misses++
	m.logger.Warnf("Active peer %q absent from directory (%d/%d)", peer, misses, m.config.MissThreshold)
	if misses < m.config.MissThreshold {
		return misses
	}

	m.teardown("peer lost")
	select {
	case m.peerLost <- peer:
	default:
	}
	return 0
}

func (m *Manager) ensureKeys() (*crypto.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		m.keys = keys
	}
	return m.keys, nil
}

func (m *Manager) setIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSecure {
		m.state = StateIdle
	}
}

func (m *Manager) teardown(reason string) {
	m.mu.Lock()
	hadPeer := m.peer
	m.state = StateIdle
	m.peer = ""
	crypto.ZeroBytes(m.sessionKey[:])
	m.hasKey = false
	m.mu.Unlock()

	if hadPeer != "" {
		m.logger.Infof("Session with %q torn down: %s", hadPeer, reason)
	}
}

func (m *Manager) fromActivePeer(from string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateSecure && m.peer == protocol.NormalizeIdentity(from)
}
