// ABOUTME: Per-connection presence state machine and frame dispatch.
// ABOUTME: Anonymous until the first presence frame binds an id; the close path announces departure.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/ag-mesh-relay/internal/agent"
	"github.com/2389/ag-mesh-relay/internal/peer"
	"github.com/2389/ag-mesh-relay/internal/protocol"
	"github.com/2389/ag-mesh-relay/internal/schema"
)

type sessionState int

const (
	stateAnonymous sessionState = iota
	stateIdentified
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAnonymous:
		return "anonymous"
	case stateIdentified:
		return "identified"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is owned by the goroutine running Hub.Serve; its fields are not
// shared.
type session struct {
	hub    *Hub
	conn   Conn
	state  sessionState
	id     string
	logger *slog.Logger
}

func newSession(h *Hub, conn Conn) *session {
	return &session{
		hub:    h,
		conn:   conn,
		state:  stateAnonymous,
		logger: h.logger.With("conn_id", conn.ID()),
	}
}

func (s *session) handle(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.hub.opts.Metrics.FrameDropped(DropMalformed)
		s.reject(err)
		return
	}
	s.hub.opts.Metrics.FrameReceived(env.Type)

	if err := env.Check(); err != nil {
		s.hub.opts.Metrics.FrameDropped(DropInvalid)
		s.reject(err)
		return
	}
	if !s.conforms(env) {
		return
	}

	switch env.Type {
	case protocol.TypePresence:
		s.handlePresence(env)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat()
	case protocol.TypeDirect:
		s.hub.Direct(env.To(), env.Raw)
	case protocol.TypeLaunchAgent:
		s.handleLaunch(ctx, env)
	case protocol.TypeAgentCommand:
		s.handleCommand(env)
	default:
		s.hub.Broadcast(env.Raw, s.id)
	}
}

// conforms validates frames whose type is in the event schema table. The
// payload is the frame's "data" object when the event does not declare a
// "data" field of its own, otherwise the frame's top-level fields. In strict
// mode a mismatch rejects the frame; otherwise it is logged and the frame
// proceeds.
func (s *session) conforms(env *protocol.Envelope) bool {
	if !schema.Has(env.Type) {
		return true
	}
	payload, nested := env.EventPayload(!schema.Declares(env.Type, "data"))
	var ok bool
	var errs []string
	if nested {
		ok, errs = schema.Validate(env.Type, payload)
	} else {
		ok, errs = schema.ValidateFlat(env.Type, payload)
	}
	if ok {
		return true
	}
	if s.hub.opts.StrictSchemas {
		s.hub.opts.Metrics.FrameDropped(DropInvalid)
		s.reject(&protocol.ValidationError{Type: env.Type, Errors: errs})
		return false
	}
	s.logger.Warn("frame does not match event schema",
		"type", env.Type,
		"peer_id", s.id,
		"errors", errs,
	)
	return true
}

func (s *session) handlePresence(env *protocol.Envelope) {
	from := env.From()
	if strings.HasPrefix(from, agent.PeerPrefix) {
		s.reject(&protocol.ValidationError{
			Type:   env.Type,
			Errors: []string{fmt.Sprintf("Reserved peer id prefix: %s", agent.PeerPrefix)},
		})
		return
	}
	if s.state == stateIdentified && from != s.id {
		s.reject(&protocol.ValidationError{
			Type:   env.Type,
			Errors: []string{fmt.Sprintf("connection already identified as %s", s.id)},
		})
		return
	}

	data, err := env.Data()
	if err != nil {
		s.reject(&protocol.ValidationError{Type: env.Type, Errors: []string{err.Error()}})
		return
	}

	if s.state == stateIdentified {
		s.hub.registry.Register(from, peer.KindConnected, s.conn, data)
		s.logger.Debug("presence refreshed", "peer_id", from)
		s.hub.Broadcast(env.Raw, from)
		return
	}

	// Registration and replay happen under the connection's write lock, so
	// any broadcast that already sees this peer queues behind the replay.
	var prev *peer.Peer
	err = s.conn.Exclusive(func(send func([]byte) error) error {
		prev = s.hub.registry.Register(from, peer.KindConnected, s.conn, data)
		for _, p := range s.hub.registry.Snapshot() {
			if p.ID == from {
				continue
			}
			if err := send(protocol.PresenceFrame(p.ID, p.Metadata, p.LastSeen)); err != nil {
				return err
			}
		}
		return nil
	})

	if prev != nil && prev.Transport != peer.Transport(s.conn) {
		s.logger.Info("closing superseded connection", "peer_id", from)
		_ = prev.Transport.Close()
	}
	if err != nil {
		// This arrival was never broadcast. Only an identity the mesh already
		// knew from a superseded connection gets an offline notice.
		s.logger.Debug("presence replay failed", "peer_id", from, "error", err)
		if s.hub.registry.UnregisterIf(from, s.conn) && prev != nil {
			s.hub.Broadcast(protocol.OfflineFrame(from, s.hub.opts.Now()), from)
		}
		_ = s.conn.Close()
		return
	}

	s.id = from
	s.state = stateIdentified
	s.logger = s.logger.With("peer_id", from)

	s.logger.Info("peer identified", "total_peers", s.hub.registry.Len())
	s.hub.Broadcast(env.Raw, from)
}

func (s *session) handleHeartbeat() {
	if s.state != stateIdentified {
		s.logger.Debug("heartbeat before presence ignored")
		return
	}
	if !s.hub.registry.TouchIf(s.id, s.conn) {
		s.logger.Debug("heartbeat from a connection that no longer owns its peer")
	}
}

func (s *session) handleLaunch(ctx context.Context, env *protocol.Envelope) {
	agentID := env.AgentID()
	if s.hub.agents == nil {
		s.reply(protocol.ErrorFrame(protocol.CodeUnavailable, "agent supervisor unavailable", nil))
		return
	}

	raw, _ := env.Field("config")
	var cfg agent.LaunchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		s.reject(&protocol.ValidationError{
			Type:   env.Type,
			Errors: []string{"Invalid config: " + err.Error()},
		})
		return
	}

	info, err := s.hub.agents.Launch(ctx, agentID, cfg)
	if err != nil {
		s.logger.Warn("launch rejected", "agent_id", agentID, "error", err)
		s.reply(protocol.ErrorFrame(errorCode(err), err.Error(), nil))
		return
	}
	s.reply(protocol.AgentLaunchedFrame(info.ID, info.PeerID))
}

func (s *session) handleCommand(env *protocol.Envelope) {
	agentID := env.AgentID()
	if s.hub.agents == nil {
		s.reply(protocol.AgentFailureFrame(agentID, protocol.CodeUnavailable, "agent supervisor unavailable"))
		return
	}

	command, _ := env.Field("command")
	if err := s.hub.agents.Relay(agentID, command); err != nil {
		s.logger.Debug("agent command failed", "agent_id", agentID, "error", err)
		s.reply(protocol.AgentFailureFrame(agentID, errorCode(err), err.Error()))
		return
	}
	s.reply(protocol.AgentSentFrame(agentID))
}

func (s *session) reject(err error) {
	ve, ok := protocol.AsValidationError(err)
	if !ok {
		s.reply(protocol.ErrorFrame(protocol.CodeInternal, err.Error(), nil))
		return
	}
	s.logger.Debug("frame rejected", "type", ve.Type, "errors", ve.Errors)
	s.reply(protocol.ErrorFrame(protocol.CodeValidation, ve.Error(), ve.Errors))
}

func (s *session) reply(frame []byte) {
	if err := s.conn.Send(frame); err != nil {
		s.logger.Debug("reply failed", "error", err)
	}
}

// close runs once when the session ends. The offline notice is sent only if
// this connection still owned its entry; the reaper or a reconnect may have
// taken it already.
func (s *session) close() {
	if s.state == stateIdentified {
		if s.hub.registry.UnregisterIf(s.id, s.conn) {
			s.logger.Info("peer disconnected", "total_peers", s.hub.registry.Len())
			s.hub.Broadcast(protocol.OfflineFrame(s.id, s.hub.opts.Now()), s.id)
		}
	}
	s.state = stateClosed
	_ = s.conn.Close()
	s.logger.Debug("session closed")
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrAlreadyExists):
		return protocol.CodeAlreadyExists
	case errors.Is(err, agent.ErrInvalidWorkingDirectory):
		return protocol.CodeInvalidWorkingDirectory
	case errors.Is(err, agent.ErrSpawnFailed):
		return protocol.CodeSpawnFailed
	case errors.Is(err, agent.ErrShuttingDown):
		return protocol.CodeShuttingDown
	case errors.Is(err, agent.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, agent.ErrProcessTerminated):
		return protocol.CodeProcessTerminated
	default:
		return protocol.CodeInternal
	}
}
