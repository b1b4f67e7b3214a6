package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	rlog "roomrelay/pkg/logger"
	"roomrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errRoleNotAllowed   = errors.New("message not allowed for connection role")
	errNotSlotOwner     = errors.New("connection does not hold the slot")
	errNoForwardOrigin  = errors.New("no forward origin for slot")
	errTargetGone       = errors.New("target connection not connected")
	errQueueFull        = errors.New("target send queue full")
	errMediatorMismatch = errors.New("room is served by another mediator")
)

// Outcomes reported to Metrics for every inbound frame.
const (
	OutcomeRouted        = "routed"
	OutcomeMalformed     = "malformed"
	OutcomeUnknownType   = "unknown_type"
	OutcomeRateLimited   = "rate_limited"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeUnknownSlot   = "unknown_slot"
	OutcomeUndeliverable = "undeliverable"
	OutcomeRejected      = "rejected"
)

// Metrics receives router events. The monitoring collector implements it.
type Metrics interface {
	SignalConnectionOpened()
	SignalConnectionClosed()
	SignalMessage(msgType string, outcome string)
	SignalQueueDrop()
}

type noopMetrics struct{}

func (noopMetrics) SignalConnectionOpened()      {}
func (noopMetrics) SignalConnectionClosed()      {}
func (noopMetrics) SignalMessage(string, string) {}
func (noopMetrics) SignalQueueDrop()             {}

// RemoteFrame is a frame addressed to a connection held by another instance.
// ForwardSlot is set for offerI so the owning instance learns the origin.
type RemoteFrame struct {
	Target      domain.ConnID   `json:"target"`
	Origin      domain.ConnID   `json:"origin,omitempty"`
	ForwardSlot *domain.Slot    `json:"forward_slot,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// Remote delivers frames to connections this instance does not hold.
type Remote interface {
	Deliver(ctx context.Context, frame RemoteFrame) error
}

type RouterConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64

	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int

	AllowedOrigins []string
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxMessageSize: 64 * 1024,
	}
}

type RouterOption func(*Router)

func WithMetrics(m Metrics) RouterOption {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithRemote(remote Remote) RouterOption {
	return func(r *Router) { r.remote = remote }
}

// Router is the rendezvous side of the signaling channel. It owns the
// websocket connections, consults the registry for addressing and forwards
// payloads without looking inside them.
type Router struct {
	registry ports.RoomRegistry
	cfg      RouterConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[domain.ConnID]*conn

	originMu sync.Mutex
	origins  map[domain.Slot]domain.ConnID

	metrics Metrics
	remote  Remote
	logger  *zap.SugaredLogger
	clog    *rlog.ContextLogger
}

func NewRouter(registry ports.RoomRegistry, cfg RouterConfig, logger *zap.SugaredLogger, opts ...RouterOption) *Router {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultRouterConfig().SendQueueSize
	}

	r := &Router{
		registry: registry,
		cfg:      cfg,
		conns:    make(map[domain.ConnID]*conn),
		origins:  make(map[domain.Slot]domain.ConnID),
		metrics:  noopMetrics{},
		logger:   logger,
		clog:     rlog.NewContextLogger(logger.Desugar()),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRoutes mounts the websocket endpoint.
func (r *Router) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/ws", gin.WrapF(r.HandleWebSocket))
}

func (r *Router) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of local connections.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(domain.ConnID(uuid.NewString()), ws, r.cfg)
	ctx := rlog.WithConnID(req.Context(), string(c.id))
	log := r.clog.Sugar(ctx)

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	r.metrics.SignalConnectionOpened()
	log.Infow("signaling connection opened", "remote_addr", req.RemoteAddr)

	go c.writeLoop()

	if r.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(r.cfg.MaxMessageSize)
	}
	ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)

	go func() {
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
			select {
			case frames <- frame:
			case <-c.done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case frame := <-frames:
			r.handleFrame(ctx, c, frame)

		case <-pingTicker.C:
			deadline := time.Now().Add(r.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Infow("ping failed", "error", err)
				break loop
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("signaling connection read error", "error", err)
			}
			break loop

		case <-c.done:
			break loop
		}
	}

	c.close()
	r.release(context.WithoutCancel(ctx), c)
	r.metrics.SignalConnectionClosed()
	log.Infow("signaling connection closed", "role", c.role)
}

func (r *Router) handleFrame(ctx context.Context, c *conn, frame []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		r.metrics.SignalMessage("", OutcomeRateLimited)
		r.clog.Sugar(ctx).Debugw("dropping rate limited message")
		return
	}

	msg, err := Decode(frame)
	if err != nil {
		outcome := OutcomeMalformed
		if errors.Is(err, domain.ErrUnknownMessageType) {
			outcome = OutcomeUnknownType
		}
		r.metrics.SignalMessage("", outcome)
		r.clog.Sugar(ctx).Warnw("dropping undecodable message", "error", err)
		return
	}

	msgType := string(msg.WireType())
	if err := r.route(ctx, c, msg); err != nil {
		r.metrics.SignalMessage(msgType, classify(err))
		r.clog.Sugar(ctx).Warnw("dropping message", "type", msgType, "role", c.role, "error", err)
		return
	}
	r.metrics.SignalMessage(msgType, OutcomeRouted)
}

func classify(err error) string {
	switch {
	case errors.Is(err, errRoleNotAllowed), errors.Is(err, errNotSlotOwner), errors.Is(err, errMediatorMismatch):
		return OutcomeUnauthorized
	case errors.Is(err, domain.ErrSlotNotFound), errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, errNoForwardOrigin):
		return OutcomeUnknownSlot
	case errors.Is(err, errTargetGone), errors.Is(err, errQueueFull), errors.Is(err, domain.ErrMediatorNotFound):
		return OutcomeUndeliverable
	default:
		return OutcomeRejected
	}
}

// route handles one decoded message from c. Every case results in at most
// one enqueue per addressed connection.
func (r *Router) route(ctx context.Context, c *conn, msg Message) error {
	switch m := msg.(type) {
	case Receiver:
		return r.registerMediator(ctx, c, m)
	case Publish:
		return r.registerPublisher(ctx, c, m)
	case Subscribe:
		return r.registerSubscriber(ctx, c, m)

	case AddPeerAck:
		if c.role != domain.RoleMediator {
			return errRoleNotAllowed
		}
		a, err := r.servedPublisher(ctx, c, m.Slot())
		if err != nil {
			return err
		}
		return r.send(ctx, a.Conn, Start{Address: addressOf(a)})

	case Offer:
		if c.role != domain.RolePublisher {
			return errRoleNotAllowed
		}
		a, err := r.ownedPublisher(ctx, c, m.Slot())
		if err != nil {
			return err
		}
		m.MediatorID = a.Mediator
		return r.sendToMediator(ctx, a.Mediator, m)

	case Answer:
		if c.role != domain.RoleMediator {
			return errRoleNotAllowed
		}
		a, err := r.servedPublisher(ctx, c, m.Slot())
		if err != nil {
			return err
		}
		m.MediatorID = a.Mediator
		return r.send(ctx, a.Conn, m)

	case Candidate:
		switch c.role {
		case domain.RolePublisher:
			a, err := r.ownedPublisher(ctx, c, m.Slot())
			if err != nil {
				return err
			}
			m.MediatorID = a.Mediator
			return r.sendToMediator(ctx, a.Mediator, m)
		case domain.RoleMediator:
			a, err := r.servedPublisher(ctx, c, m.Slot())
			if err != nil {
				return err
			}
			m.MediatorID = a.Mediator
			return r.send(ctx, a.Conn, m)
		default:
			return errRoleNotAllowed
		}

	case RelayTrickle:
		if c.role != domain.RoleMediator {
			return errRoleNotAllowed
		}
		m.MediatorID = c.mediator
		return r.relayTrickle(ctx, c, m)

	case ForwardOffer:
		if c.role == domain.RolePublisher || c.role == domain.RoleSubscriber {
			return errRoleNotAllowed
		}
		a, err := r.registry.Subscriber(ctx, m.Slot())
		if err != nil {
			return err
		}
		if m.MediatorID != a.Mediator {
			return errMediatorMismatch
		}
		r.setOrigin(a.Slot, c.id)
		m.MediatorID = a.Mediator
		slot := a.Slot
		return r.sendFrom(ctx, c.id, &slot, a.Conn, m)

	case ForwardAnswer:
		if c.role != domain.RoleSubscriber {
			return errRoleNotAllowed
		}
		a, err := r.ownedSubscriber(ctx, c, m.Slot())
		if err != nil {
			return err
		}
		origin, ok := r.origin(a.Slot)
		if !ok {
			return errNoForwardOrigin
		}
		m.MediatorID = a.Mediator
		return r.send(ctx, origin, m)

	case ForwardCandidate:
		a, err := r.registry.Subscriber(ctx, m.Slot())
		if err != nil {
			return err
		}
		m.MediatorID = a.Mediator
		origin, hasOrigin := r.origin(a.Slot)
		switch {
		case a.Conn == c.id:
			if !hasOrigin {
				return errNoForwardOrigin
			}
			return r.send(ctx, origin, m)
		case hasOrigin && origin == c.id:
			return r.send(ctx, a.Conn, m)
		default:
			return errNotSlotOwner
		}

	case Start, AddPeer, AddSubscriber, RemovePeer, RemoveSubscriber:
		return fmt.Errorf("%w: %s is router-originated", errRoleNotAllowed, m.WireType())

	default:
		return fmt.Errorf("%w: %T", domain.ErrUnknownMessageType, msg)
	}
}

func (r *Router) registerMediator(ctx context.Context, c *conn, m Receiver) error {
	if c.role != domain.RoleNone {
		return errRoleNotAllowed
	}
	id := m.MediatorID
	if id == "" {
		id = domain.MediatorID(uuid.NewString())
	}
	if err := validation.ValidateMediatorID(string(id)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	replay, err := r.registry.AddMediator(ctx, id, c.id)
	if err != nil {
		return err
	}
	c.role = domain.RoleMediator
	c.mediator = id

	r.clog.Sugar(rlog.WithMediatorID(ctx, string(id))).Infow("mediator registered", "replayed_slots", len(replay))
	for _, a := range replay {
		r.notifyMediator(ctx, a)
	}
	return nil
}

func (r *Router) registerPublisher(ctx context.Context, c *conn, m Publish) error {
	if c.role != domain.RoleNone {
		return errRoleNotAllowed
	}
	if err := validation.ValidateRoomID(string(m.RoomID)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	a, err := r.registry.AddPublisher(ctx, m.RoomID, c.id)
	if err != nil {
		return err
	}
	c.role = domain.RolePublisher

	r.clog.Sugar(rlog.WithRoomID(ctx, string(m.RoomID))).Infow("publisher registered",
		"slot_index", a.Slot.Index,
		"mediator_id", a.Mediator,
	)
	if a.Mediator != "" {
		r.notifyMediator(ctx, a)
	}
	return nil
}

func (r *Router) registerSubscriber(ctx context.Context, c *conn, m Subscribe) error {
	if c.role != domain.RoleNone {
		return errRoleNotAllowed
	}
	if err := validation.ValidateRoomID(string(m.RoomID)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	a, err := r.registry.AddSubscriber(ctx, m.RoomID, c.id, m.ExcludeSlot)
	if err != nil {
		return err
	}
	c.role = domain.RoleSubscriber

	r.clog.Sugar(rlog.WithRoomID(ctx, string(m.RoomID))).Infow("subscriber registered",
		"slot_index", a.Slot.Index,
		"mediator_id", a.Mediator,
	)
	if a.Mediator != "" {
		r.notifyMediator(ctx, a)
	}
	return nil
}

// notifyMediator tells the room's mediator about a slot.
func (r *Router) notifyMediator(ctx context.Context, a domain.Assignment) {
	var msg Message
	switch a.Kind {
	case domain.SlotPublisher:
		msg = AddPeer{Address: addressOf(a)}
	case domain.SlotSubscriber:
		msg = AddSubscriber{Address: addressOf(a), ExcludeSlot: a.ExcludeSlot}
	default:
		return
	}
	if err := r.sendToMediator(ctx, a.Mediator, msg); err != nil {
		r.clog.Sugar(ctx).Warnw("failed to notify mediator",
			"type", msg.WireType(),
			"mediator_id", a.Mediator,
			"slot", a.Slot.String(),
			"error", err,
		)
	}
}

func (r *Router) relayTrickle(ctx context.Context, c *conn, m RelayTrickle) error {
	if m.SlotIndex != nil {
		a, err := r.servedPublisher(ctx, c, domain.Slot{RoomID: m.RoomID, Index: *m.SlotIndex})
		if err != nil {
			return err
		}
		return r.send(ctx, a.Conn, m)
	}

	slots, err := r.registry.Room(ctx, m.RoomID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, a := range slots {
		if a.Kind != domain.SlotPublisher || a.Mediator != c.mediator {
			continue
		}
		if err := r.send(ctx, a.Conn, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ownedPublisher returns the publisher slot if c holds it.
func (r *Router) ownedPublisher(ctx context.Context, c *conn, slot domain.Slot) (domain.Assignment, error) {
	a, err := r.registry.Publisher(ctx, slot)
	if err != nil {
		return a, err
	}
	if a.Conn != c.id {
		return a, errNotSlotOwner
	}
	if a.Mediator == "" {
		return a, domain.ErrMediatorNotFound
	}
	return a, nil
}

// servedPublisher returns the publisher slot if c is the mediator serving
// its room.
func (r *Router) servedPublisher(ctx context.Context, c *conn, slot domain.Slot) (domain.Assignment, error) {
	a, err := r.registry.Publisher(ctx, slot)
	if err != nil {
		return a, err
	}
	if a.Mediator != c.mediator {
		return a, errMediatorMismatch
	}
	return a, nil
}

func (r *Router) ownedSubscriber(ctx context.Context, c *conn, slot domain.Slot) (domain.Assignment, error) {
	a, err := r.registry.Subscriber(ctx, slot)
	if err != nil {
		return a, err
	}
	if a.Conn != c.id {
		return a, errNotSlotOwner
	}
	return a, nil
}

func (r *Router) sendToMediator(ctx context.Context, id domain.MediatorID, msg Message) error {
	if id == "" {
		return domain.ErrMediatorNotFound
	}
	target, err := r.registry.MediatorConn(ctx, id)
	if err != nil {
		return err
	}
	return r.send(ctx, target, msg)
}

func (r *Router) send(ctx context.Context, target domain.ConnID, msg Message) error {
	return r.sendFrom(ctx, "", nil, target, msg)
}

func (r *Router) sendFrom(ctx context.Context, origin domain.ConnID, forwardSlot *domain.Slot, target domain.ConnID, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	r.mu.RLock()
	c, local := r.conns[target]
	r.mu.RUnlock()

	if local {
		if !c.enqueue(frame) {
			r.metrics.SignalQueueDrop()
			return errQueueFull
		}
		return nil
	}

	if r.remote == nil {
		return errTargetGone
	}
	return r.remote.Deliver(ctx, RemoteFrame{
		Target:      target,
		Origin:      origin,
		ForwardSlot: forwardSlot,
		Frame:       frame,
	})
}

// DeliverRemote hands a frame published by another instance to a local
// connection. It reports whether the target is held here.
func (r *Router) DeliverRemote(f RemoteFrame) bool {
	r.mu.RLock()
	c, ok := r.conns[f.Target]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if f.ForwardSlot != nil && f.Origin != "" {
		r.setOrigin(*f.ForwardSlot, f.Origin)
	}
	if !c.enqueue(f.Frame) {
		r.metrics.SignalQueueDrop()
	}
	return true
}

func (r *Router) setOrigin(slot domain.Slot, origin domain.ConnID) {
	r.originMu.Lock()
	r.origins[slot] = origin
	r.originMu.Unlock()
}

func (r *Router) origin(slot domain.Slot) (domain.ConnID, bool) {
	r.originMu.Lock()
	defer r.originMu.Unlock()
	origin, ok := r.origins[slot]
	return origin, ok
}

// release undoes everything a closed connection held.
func (r *Router) release(ctx context.Context, c *conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()

	r.originMu.Lock()
	for slot, origin := range r.origins {
		if origin == c.id {
			delete(r.origins, slot)
		}
	}
	r.originMu.Unlock()

	log := r.clog.Sugar(ctx)

	switch c.role {
	case domain.RoleMediator:
		current, err := r.registry.MediatorConn(ctx, c.mediator)
		if err != nil || current != c.id {
			return
		}
		moved, err := r.registry.RemoveMediator(ctx, c.mediator)
		if err != nil {
			log.Warnw("failed to remove mediator", "mediator_id", c.mediator, "error", err)
			return
		}
		log.Infow("mediator lost", "mediator_id", c.mediator, "affected_slots", len(moved))
		for _, a := range moved {
			if a.Mediator != "" {
				r.notifyMediator(ctx, a)
			}
		}

	case domain.RolePublisher, domain.RoleSubscriber:
		removed, err := r.registry.RemoveConn(ctx, c.id)
		if err != nil {
			log.Warnw("failed to free slots", "error", err)
			return
		}
		for _, a := range removed {
			if a.Kind == domain.SlotSubscriber {
				r.originMu.Lock()
				delete(r.origins, a.Slot)
				r.originMu.Unlock()
			}
			if a.Mediator == "" {
				continue
			}
			var msg Message = RemovePeer{Address: addressOf(a)}
			if a.Kind == domain.SlotSubscriber {
				msg = RemoveSubscriber{Address: addressOf(a)}
			}
			if err := r.sendToMediator(ctx, a.Mediator, msg); err != nil {
				log.Debugw("could not notify mediator of freed slot", "slot", a.Slot.String(), "error", err)
			}
		}
	}
}

// Close drops every local connection.
func (r *Router) Close() {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func addressOf(a domain.Assignment) Address {
	return Address{RoomID: a.Slot.RoomID, SlotIndex: a.Slot.Index, MediatorID: a.Mediator}
}

// conn is one accepted websocket. Role and mediator are only touched by the
// connection's own read loop.
type conn struct {
	id       domain.ConnID
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	writeTTL time.Duration

	role     domain.Role
	mediator domain.MediatorID
}

func newConn(id domain.ConnID, ws *websocket.Conn, cfg RouterConfig) *conn {
	c := &conn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, cfg.SendQueueSize),
		done:     make(chan struct{}),
		writeTTL: cfg.WriteTimeout,
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}
	return c
}

// enqueue never blocks; a full queue drops the frame.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if c.writeTTL > 0 {
				c.ws.SetWriteDeadline(time.Now().Add(c.writeTTL))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
