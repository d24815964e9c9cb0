// Package directory implements the peerdrop directory/relay service: an
// ephemeral identity registry plus a payload forwarder between two bound
// identities. The service holds no message history; a relay to an unbound
// target is reported once and dropped, never queued.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"peerdrop/internal/protocol"
)

const errTargetNotFound = "not found"

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

type Server struct {
	config   Config
	logger   *logrus.Logger
	codec    *protocol.Codec
	registry *Registry
	listener net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
	pending map[string]*pendingRelay
}

// client is one accepted relay connection. Frames are written under wmu
// because broadcasts and relay deliveries come from other connections'
// goroutines.
type client struct {
	conn  net.Conn
	codec *protocol.Codec
	wmu   sync.Mutex

	// identity is the name this connection registered as. Written and read
	// only by the connection's own handler goroutine.
	identity string
}

func (c *client) send(msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.codec.WriteFrame(c.conn, msg)
}

// pendingRelay tracks one in-flight relay until the target acks it. Each
// correlation resolves exactly once.
type pendingRelay struct {
	sender *client
	target *client
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// The in-memory database exists per connection; keep the pool at one
	// so every query sees the same registry.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	registry, err := NewRegistry(db)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	return &Server{
		config:   cfg,
		logger:   cfg.Logger,
		codec:    protocol.NewCodec(),
		registry: registry,
		listener: listener,
		clients:  make(map[*client]struct{}),
		pending:  make(map[string]*pendingRelay),
	}, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Directory listening on %s", s.Addr())

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnf("Failed to accept connection: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	c := &client{conn: conn, codec: s.codec}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debugf("Client connected: %s", conn.RemoteAddr())

	defer func() {
		_ = conn.Close()
		s.dropClient(c)
	}()

	for {
		msg, err := s.codec.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debugf("Read failed for %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		s.handleMessage(c, msg)
	}
}

func (s *Server) handleMessage(c *client, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Register:
		s.handleRegister(c, m)
	case *protocol.Lookup:
		endpoint, found := s.registry.Lookup(protocol.NormalizeIdentity(m.Identity))
		s.reply(c, &protocol.LookupResult{
			CorrelationID: m.CorrelationID,
			Endpoint:      endpoint,
			Found:         found,
		})
	case *protocol.PeerListRequest:
		s.reply(c, &protocol.PeerListResponse{
			CorrelationID: m.CorrelationID,
			Identities:    s.registry.Identities(),
		})
	case *protocol.Relay:
		s.handleRelay(c, m)
	case *protocol.DeliverAck:
		s.handleDeliverAck(m)
	default:
		s.logger.Warnf("Unhandled message type %s", msg.Type())
	}
}

func (s *Server) handleRegister(c *client, m *protocol.Register) {
	identity := protocol.NormalizeIdentity(m.Identity)
	if identity == "" {
		s.logger.Warnf("Rejecting empty identity from %s", c.conn.RemoteAddr())
		return
	}

	rebound, err := s.registry.Bind(identity, m.Endpoint, c)
	if err != nil {
		s.logger.Errorf("Failed to bind %q: %v", identity, err)
		return
	}
	if rebound {
		s.logger.Warnf("Identity %q rebound to a new connection", identity)
	}
	c.identity = identity

	s.logger.Infof("Registered %q at %s", identity, c.conn.RemoteAddr())
	s.reply(c, &protocol.RegisterAck{Identity: identity})
	s.broadcast(c, &protocol.Online{Identity: identity})
}

// handleRelay forwards the payload when the target is bound and pipes the
// target's ack back to the sender. An unbound target is reported to the
// sender immediately with no forwarding side effect.
func (s *Server) handleRelay(c *client, m *protocol.Relay) {
	target := protocol.NormalizeIdentity(m.Target)

	// The recorded identity is only trusted while this connection still
	// holds its binding; a connection displaced by a rebind relays
	// anonymously.
	from := c.identity
	if from != "" {
		if handle, ok := s.registry.Handle(from); !ok || handle != c {
			from = ""
		}
	}

	handle, ok := s.registry.Handle(target)
	if !ok {
		s.reply(c, &protocol.RelayResult{
			CorrelationID: m.CorrelationID,
			Error:         errTargetNotFound,
		})
		return
	}

	s.mu.Lock()
	s.pending[m.CorrelationID] = &pendingRelay{sender: c, target: handle}
	s.mu.Unlock()

	err := handle.send(&protocol.Deliver{
		CorrelationID: m.CorrelationID,
		From:          from,
		Payload:       m.Payload,
	})
	if err != nil {
		s.logger.Warnf("Failed to deliver to %q: %v", target, err)
		s.resolve(m.CorrelationID, errTargetNotFound)
	}
}

func (s *Server) handleDeliverAck(m *protocol.DeliverAck) {
	s.resolve(m.CorrelationID, "")
}

// resolve answers the sender of one pending relay; later resolutions of the
// same correlation are ignored.
func (s *Server) resolve(correlationID, relayErr string) {
	s.mu.Lock()
	p, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.reply(p.sender, &protocol.RelayResult{
		CorrelationID: correlationID,
		Error:         relayErr,
	})
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	var failed []string
	for id, p := range s.pending {
		if p.target == c || p.sender == c {
			failed = append(failed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range failed {
		s.resolve(id, errTargetNotFound)
	}

	for _, identity := range s.registry.UnbindClient(c) {
		s.logger.Infof("Unregistered %q", identity)
		s.broadcast(c, &protocol.Offline{Identity: identity})
	}
	s.logger.Debugf("Client disconnected: %s", c.conn.RemoteAddr())
}

func (s *Server) reply(c *client, msg protocol.Message) {
	if err := c.send(msg); err != nil {
		s.logger.Debugf("Failed to reply %s: %v", msg.Type(), err)
	}
}

func (s *Server) broadcast(except *client, msg protocol.Message) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != except {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.send(msg); err != nil {
			s.logger.Debugf("Broadcast %s failed: %v", msg.Type(), err)
		}
	}
}
