// Package dirclient is the client side of the directory/relay service. It
// owns one connection to the directory, routes incoming frames to typed
// channels and gives synchronous request/response semantics to lookups,
// peer listings and relays via correlation IDs.
package dirclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerdrop/internal/protocol"
)

var (
	// ErrNotFound is the terminal error for a lookup or relay whose target
	// identity is not bound in the directory.
	ErrNotFound = errors.New("identity not found in directory")
	// ErrClosed reports an operation on a client whose connection is gone.
	ErrClosed = errors.New("directory connection closed")
)

const (
	DefaultLookupAttempts = 5
	DefaultLookupDelay    = 1200 * time.Millisecond

	channelBuffer = 100
)

type Config struct {
	Addr   string
	Logger *logrus.Logger

	// LookupAttempts and LookupDelay bound the fixed-backoff retry loop of
	// LookupRetry.
	LookupAttempts int
	LookupDelay    time.Duration
}

// Delivery is one relayed payload, decoded, with the sender identity the
// directory attached.
type Delivery struct {
	From    string
	Message protocol.Message
}

// PresenceEvent is an online/offline broadcast from the directory.
type PresenceEvent struct {
	Identity string
	Online   bool
}

type Client struct {
	config Config
	logger *logrus.Logger
	codec  *protocol.Codec
	conn   net.Conn

	wmu sync.Mutex

	mu             sync.Mutex
	closed         bool
	pendingLookups map[string]chan *protocol.LookupResult
	pendingRelays  map[string]chan *protocol.RelayResult
	pendingPeers   map[string]chan *protocol.PeerListResponse
	registerAcks   chan *protocol.RegisterAck

	deliveries chan Delivery
	events     chan PresenceEvent
	done       chan struct{}
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = DefaultLookupAttempts
	}
	if cfg.LookupDelay <= 0 {
		cfg.LookupDelay = DefaultLookupDelay
	}

	conn, err := net.Dial("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial directory %s: %w", cfg.Addr, err)
	}

	c := &Client{
		config:         cfg,
		logger:         cfg.Logger,
		codec:          protocol.NewCodec(),
		conn:           conn,
		pendingLookups: make(map[string]chan *protocol.LookupResult),
		pendingRelays:  make(map[string]chan *protocol.RelayResult),
		pendingPeers:   make(map[string]chan *protocol.PeerListResponse),
		registerAcks:   make(chan *protocol.RegisterAck, 1),
		deliveries:     make(chan Delivery, channelBuffer),
		events:         make(chan PresenceEvent, channelBuffer),
		done:           make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close()
}

// Deliveries streams relayed payloads addressed to this client. Every
// delivery was already acknowledged to the directory on receipt.
func (c *Client) Deliveries() <-chan Delivery {
	return c.deliveries
}

// Events streams online/offline broadcasts.
func (c *Client) Events() <-chan PresenceEvent {
	return c.events
}

// Done is closed when the directory connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Register binds identity to this connection and waits for the directory's
// acknowledgment. The directory stores the normalized form.
func (c *Client) Register(ctx context.Context, identity, endpoint string) error {
	if err := c.send(&protocol.Register{Identity: identity, Endpoint: endpoint}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case ack := <-c.registerAcks:
		c.logger.Infof("Registered with directory as %q", ack.Identity)
		return nil
	}
}

// Lookup resolves identity to its endpoint. The second return reports
// whether the identity is currently bound.
func (c *Client) Lookup(ctx context.Context, identity string) (string, bool, error) {
	id := uuid.NewString()
	ch := make(chan *protocol.LookupResult, 1)

	c.mu.Lock()
	c.pendingLookups[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingLookups, id)
		c.mu.Unlock()
	}()

	if err := c.send(&protocol.Lookup{CorrelationID: id, Identity: identity}); err != nil {
		return "", false, err
	}

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-c.done:
		return "", false, ErrClosed
	case res := <-ch:
		return res.Endpoint, res.Found, nil
	}
}

// LookupRetry polls Lookup with a fixed delay until the identity appears,
// the attempt budget is exhausted or ctx is canceled. Exhaustion returns
// ErrNotFound wrapped with the identity for the caller's error message.
func (c *Client) LookupRetry(ctx context.Context, identity string) (string, error) {
	for attempt := 1; attempt <= c.config.LookupAttempts; attempt++ {
		endpoint, found, err := c.Lookup(ctx, identity)
		if err != nil {
			return "", err
		}
		if found {
			return endpoint, nil
		}

		c.logger.Debugf("Lookup of %q attempt %d/%d: not bound", identity, attempt, c.config.LookupAttempts)
		if attempt == c.config.LookupAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", ErrClosed
		case <-time.After(c.config.LookupDelay):
		}
	}
	return "", fmt.Errorf("lookup of %q: %w", identity, ErrNotFound)
}

// Peers returns the identities currently bound in the directory.
func (c *Client) Peers(ctx context.Context) ([]string, error) {
	id := uuid.NewString()
	ch := make(chan *protocol.PeerListResponse, 1)

	c.mu.Lock()
	c.pendingPeers[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingPeers, id)
		c.mu.Unlock()
	}()

	if err := c.send(&protocol.PeerListRequest{CorrelationID: id}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case res := <-ch:
		return res.Identities, nil
	}
}

// Relay forwards payload to target through the directory and waits for the
// single result the directory pipes back: the target's delivery ack, or
// ErrNotFound when the target is unbound.
func (c *Client) Relay(ctx context.Context, target string, payload protocol.Message) error {
	data, err := c.codec.EncodeToBytes(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan *protocol.RelayResult, 1)

	c.mu.Lock()
	c.pendingRelays[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingRelays, id)
		c.mu.Unlock()
	}()

	msg := &protocol.Relay{CorrelationID: id, Target: target, Payload: data}
	if err := c.send(msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case res := <-ch:
		if res.Error != "" {
			return fmt.Errorf("relay to %q: %w", target, ErrNotFound)
		}
		return nil
	}
}

func (c *Client) send(msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.codec.WriteFrame(c.conn, msg)
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		_ = c.conn.Close()
	}()

	for {
		msg, err := c.codec.ReadFrame(c.conn)
		if err != nil {
			if err != io.EOF && !c.isClosed() {
				c.logger.Warnf("Directory read failed: %v", err)
			}
			return
		}
		c.route(msg)
	}
}

func (c *Client) route(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.RegisterAck:
		select {
		case c.registerAcks <- m:
		default:
		}
	case *protocol.LookupResult:
		c.resolveLookup(m)
	case *protocol.PeerListResponse:
		c.resolvePeers(m)
	case *protocol.RelayResult:
		c.resolveRelay(m)
	case *protocol.Deliver:
		c.handleDeliver(m)
	case *protocol.Online:
		c.pushEvent(PresenceEvent{Identity: m.Identity, Online: true})
	case *protocol.Offline:
		c.pushEvent(PresenceEvent{Identity: m.Identity, Online: false})
	default:
		c.logger.Debugf("Unhandled message type %s", msg.Type())
	}
}

// handleDeliver acks immediately on receipt, before decoding, so a slow or
// failing decode never stalls the sender's stop-and-wait loop.
func (c *Client) handleDeliver(m *protocol.Deliver) {
	if err := c.send(&protocol.DeliverAck{CorrelationID: m.CorrelationID}); err != nil {
		c.logger.Warnf("Failed to ack delivery: %v", err)
		return
	}

	payload, err := c.codec.DecodeFromBytes(m.Payload)
	if err != nil {
		c.logger.Warnf("Dropping undecodable payload from %q: %v", m.From, err)
		return
	}

	c.deliveries <- Delivery{From: m.From, Message: payload}
}

func (c *Client) resolveLookup(m *protocol.LookupResult) {
	c.mu.Lock()
	ch, ok := c.pendingLookups[m.CorrelationID]
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (c *Client) resolvePeers(m *protocol.PeerListResponse) {
	c.mu.Lock()
	ch, ok := c.pendingPeers[m.CorrelationID]
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (c *Client) resolveRelay(m *protocol.RelayResult) {
	c.mu.Lock()
	ch, ok := c.pendingRelays[m.CorrelationID]
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (c *Client) pushEvent(ev PresenceEvent) {
	select {
	case c.events <- ev:
	default:
		// Presence is advisory; liveness polling covers missed events.
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
