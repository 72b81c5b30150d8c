package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/application"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
)

// Binder creates bindings; *application.Coordinator implements it.
type Binder interface {
	Bind(key domain.ResourceKey, onChange func(domain.Snapshot)) *application.Binding
}

// session is the protocol state of one connection: the client's named bindings.
type session struct {
	conn        *Connection
	codec       codec
	binder      Binder
	logger      domain.Logger
	maxBindings int

	mu       sync.Mutex
	bindings map[string]*application.Binding
	pending  map[string]struct{} // names reserved by a bind that has not finished
	closed   bool
}

func newSession(conn *Connection, c codec, binder Binder, logger domain.Logger, maxBindings int) *session {
	return &session{
		conn:        conn,
		codec:       c,
		binder:      binder,
		logger:      logger,
		maxBindings: maxBindings,
		bindings:    make(map[string]*application.Binding),
		pending:     make(map[string]struct{}),
	}
}

func (s *session) send(msg BaseMessage) error {
	typ, data, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error(s.conn.Context(), "Failed to encode outbound message", "type", msg.Type, "error", err.Error())
		return err
	}
	return s.conn.Send(typ, data, msg.Type)
}

func (s *session) sendError(binding string, code domain.ErrorCode, message, details string) {
	_ = s.send(NewErrorMessage(binding, domain.NewErrorResponse(code, message, details)))
}

// handle applies one client request.
func (s *session) handle(ctx context.Context, msg ClientMessage) {
	metrics.IncrementMessagesReceived(msg.Type)
	if msg.Binding == "" {
		s.sendError("", domain.ErrBadRequest, "Missing binding name", "Type: "+msg.Type)
		return
	}
	ctx = context.WithValue(ctx, contextkeys.BindingIDKey, msg.Binding)

	switch msg.Type {
	case MessageTypeBind:
		s.bind(ctx, msg.Binding, msg.Key)
	case MessageTypeRebind:
		if b := s.lookup(msg.Binding); b != nil {
			b.Rebind(msg.Key)
		}
	case MessageTypeRevalidate:
		if b := s.lookup(msg.Binding); b != nil {
			b.Revalidate()
		}
	case MessageTypeMutate:
		if b := s.lookup(msg.Binding); b != nil {
			if _, err := b.Mutate(msg.Data, msg.Revalidate); err != nil {
				s.sendError(msg.Binding, errorCodeFor(err), "Mutation rejected", err.Error())
			}
		}
	case MessageTypeUnbind:
		s.unbind(ctx, msg.Binding)
	default:
		s.logger.Warn(ctx, "Received unhandled message type from client", "type", msg.Type)
		s.sendError(msg.Binding, domain.ErrBadRequest, "Unhandled message type", "Type: "+msg.Type)
	}
}

func (s *session) bind(ctx context.Context, name string, key domain.ResourceKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, exists := s.bindings[name]
	if _, pending := s.pending[name]; exists || pending {
		s.mu.Unlock()
		s.sendError(name, domain.ErrBadRequest, "Binding already exists", "Use rebind to change its key.")
		return
	}
	if s.maxBindings > 0 && len(s.bindings)+len(s.pending) >= s.maxBindings {
		s.mu.Unlock()
		s.sendError(name, domain.ErrBadRequest, "Too many bindings on this connection", "")
		return
	}
	s.pending[name] = struct{}{}
	s.mu.Unlock()

	b := s.binder.Bind(key, func(snap domain.Snapshot) {
		if err := s.send(NewSnapshotMessage(name, snap)); err != nil && !errors.Is(err, ErrConnectionClosed) {
			s.logger.Warn(ctx, "Failed to queue snapshot", "error", err.Error())
		}
	})

	s.mu.Lock()
	delete(s.pending, name)
	if s.closed {
		s.mu.Unlock()
		b.Close()
		return
	}
	s.bindings[name] = b
	s.mu.Unlock()
	metrics.IncrementWebsocketBindings()
	s.logger.Debug(ctx, "Binding created", "key", key.String(), "binding_seq", b.ID())
}

// lookup returns the named binding. A name still being bound answers Conflict, an absent
// one NotFound.
func (s *session) lookup(name string) *application.Binding {
	s.mu.Lock()
	b, pending := s.bindings[name], s.isPending(name)
	s.mu.Unlock()
	if b == nil {
		s.sendMissing(name, pending)
	}
	return b
}

func (s *session) isPending(name string) bool {
	_, ok := s.pending[name]
	return ok
}

func (s *session) sendMissing(name string, pending bool) {
	if pending {
		s.sendError(name, domain.ErrConflict, "Binding is still being created", "Retry once its first snapshot arrives.")
		return
	}
	s.sendError(name, domain.ErrNotFound, "Unknown binding", "")
}

func (s *session) unbind(ctx context.Context, name string) {
	s.mu.Lock()
	b, pending := s.bindings[name], s.isPending(name)
	if b != nil {
		delete(s.bindings, name)
	}
	s.mu.Unlock()
	if b == nil {
		s.sendMissing(name, pending)
		return
	}
	b.Close()
	metrics.DecrementWebsocketBindings()
	_ = s.send(NewUnboundMessage(name))
	s.logger.Debug(ctx, "Binding released")
}

// names returns the current binding names in order.
func (s *session) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// close releases every binding.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	bindings := s.bindings
	s.bindings = nil
	s.mu.Unlock()

	for _, b := range bindings {
		b.Close()
		metrics.DecrementWebsocketBindings()
	}
}

func errorCodeFor(err error) domain.ErrorCode {
	switch {
	case errors.Is(err, domain.ErrInvalidResourceKey):
		return domain.ErrBadRequest
	case errors.Is(err, application.ErrCoordinatorClosed):
		return domain.ErrServiceUnavailable
	default:
		return domain.ErrInternal
	}
}
