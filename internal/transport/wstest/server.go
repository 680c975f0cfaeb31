// Package wstest provides an in-process server speaking the channel envelope
// protocol. It backs the transport tests and cmd/echoserver.
package wstest

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime-mux/internal/transport"
)

// Server accepts websocket clients and answers join/leave requests.
// Application events sent by clients are recorded and, with echo enabled,
// broadcast back to the channel's members.
type Server struct {
	codec    transport.Codec
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*serverConn]struct{}
	members   map[string]map[*serverConn]struct{}
	rejected  map[string]string // topic -> reason
	joins     map[string]int
	leaves    map[string]int
	received  []transport.Envelope
	joinDelay time.Duration
	ignore    bool
	echo      bool
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewServer creates a server using codec for every frame.
func NewServer(codec transport.Codec, logger *slog.Logger) *Server {
	if codec == nil {
		codec = transport.JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		codec:  codec,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[*serverConn]struct{}),
		members:  make(map[string]map[*serverConn]struct{}),
		rejected: make(map[string]string),
		joins:    make(map[string]int),
		leaves:   make(map[string]int),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade error", "error", err)
		return
	}

	c := &serverConn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		for _, set := range s.members {
			delete(set, c)
		}
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := transport.DecodeEnvelope(s.codec, data)
		if err != nil {
			s.logger.Debug("bad frame", "error", err)
			continue
		}
		s.handle(c, env)
	}
}

func (s *Server) handle(c *serverConn, env transport.Envelope) {
	switch env.Event {
	case transport.EventJoin:
		s.mu.Lock()
		s.joins[env.Topic]++
		delay := s.joinDelay
		ignore := s.ignore
		s.mu.Unlock()

		if ignore {
			return
		}
		if delay > 0 {
			go func() {
				time.Sleep(delay)
				s.join(c, env)
			}()
			return
		}
		s.join(c, env)

	case transport.EventLeave:
		s.mu.Lock()
		s.leaves[env.Topic]++
		if set, ok := s.members[env.Topic]; ok {
			delete(set, c)
		}
		s.mu.Unlock()
		s.reply(c, env, transport.StatusOK, "")

	default:
		s.mu.Lock()
		s.received = append(s.received, env)
		echo := s.echo
		s.mu.Unlock()

		if echo {
			s.Broadcast(env.Topic, env.Event, env.Payload)
		}
	}
}

func (s *Server) join(c *serverConn, env transport.Envelope) {
	s.mu.Lock()
	reason, rejected := s.rejected[env.Topic]
	if !rejected {
		set, ok := s.members[env.Topic]
		if !ok {
			set = make(map[*serverConn]struct{})
			s.members[env.Topic] = set
		}
		set[c] = struct{}{}
	}
	s.mu.Unlock()

	if rejected {
		s.reply(c, env, transport.StatusError, reason)
		return
	}
	s.reply(c, env, transport.StatusOK, "")
}

func (s *Server) reply(c *serverConn, req transport.Envelope, status, reason string) {
	env, err := transport.NewReply(s.codec, req, status, reason)
	if err != nil {
		s.logger.Warn("encode reply", "error", err)
		return
	}
	s.send(c, env)
}

func (s *Server) send(c *serverConn, env transport.Envelope) bool {
	data, err := transport.EncodeEnvelope(s.codec, env)
	if err != nil {
		s.logger.Warn("encode envelope", "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(s.codec.FrameType(), data) == nil
}

func (s *Server) membersOf(topic string) []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.members[topic]))
	for c := range s.members[topic] {
		out = append(out, c)
	}
	return out
}

// Broadcast sends an event to every member of topic and returns how many
// connections it was written to.
func (s *Server) Broadcast(topic, event string, payload []byte) int {
	n := 0
	for _, c := range s.membersOf(topic) {
		if s.send(c, transport.Envelope{Topic: topic, Event: event, Payload: payload}) {
			n++
		}
	}
	return n
}

// Revoke sends an error envelope to every member of topic and drops the
// membership.
func (s *Server) Revoke(topic, reason string) int {
	conns := s.membersOf(topic)

	s.mu.Lock()
	delete(s.members, topic)
	s.mu.Unlock()

	payload, err := s.codec.Marshal(transport.Reply{Status: transport.StatusError, Reason: reason})
	if err != nil {
		return 0
	}

	n := 0
	for _, c := range conns {
		if s.send(c, transport.Envelope{Topic: topic, Event: transport.EventError, Payload: payload}) {
			n++
		}
	}
	return n
}

// Reject makes future joins of topic fail with reason.
func (s *Server) Reject(topic, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[topic] = reason
}

// Accept undoes Reject.
func (s *Server) Accept(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rejected, topic)
}

// SetJoinDelay delays every join reply.
func (s *Server) SetJoinDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinDelay = d
}

// IgnoreJoins makes the server swallow join requests without replying.
func (s *Server) IgnoreJoins(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignore = ignore
}

// SetEcho toggles broadcasting client events back to the channel.
func (s *Server) SetEcho(echo bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = echo
}

// DropConnections closes every client socket without a close handshake.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	return len(conns)
}

// Connections returns the number of open client sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Members returns the number of connections joined to topic.
func (s *Server) Members(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members[topic])
}

// JoinCount returns how many join requests were received for topic.
func (s *Server) JoinCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins[topic]
}

// LeaveCount returns how many leave requests were received for topic.
func (s *Server) LeaveCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves[topic]
}

// Received returns a copy of the application events clients sent.
func (s *Server) Received() []transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Envelope, len(s.received))
	copy(out, s.received)
	return out
}
