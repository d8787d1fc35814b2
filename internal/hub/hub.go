// Package hub implements the WebSocket Hub (C7): per-connection lifecycle, the framed JSON
// protocol, heartbeats, backpressure, rate limiting, and resume/replay, generalized from the
// donor's single-channel broker (reader/writer goroutine pair, bounded send channel, ping/pong
// heartbeat) into the full per-connection actor described in §4.7.
package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/corridorchat/messaging-core/internal/auth"
	"github.com/corridorchat/messaging-core/internal/logging"
	"github.com/corridorchat/messaging-core/internal/ratelimit"
	"github.com/corridorchat/messaging-core/internal/resume"
	"github.com/corridorchat/messaging-core/internal/stream"
)

// Close codes, bit-exact per §6.1.
const (
	CloseProtocolError   = 1002
	CloseMessageTooLarge = 1009
	CloseInternalError   = 1011
	CloseOverloaded      = 1013
	CloseUnauthorized    = 4401
)

// DropPolicy controls what happens when a connection's outbound queue is full.
type DropPolicy string

const (
	// DropOld evicts the oldest queued envelope to make room for the newest, per §4.7.
	DropOld DropPolicy = "drop_old"
	// DropNew discards the newest envelope, leaving the queue as-is.
	DropNew DropPolicy = "drop_new"
)

// State is the per-connection lifecycle state, per §4.7.
type State string

const (
	StateUnregistered  State = "unregistered"
	StateAuthenticating State = "authenticating"
	StateResuming       State = "resuming"
	StateOpen           State = "open"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// Authenticator is the C8 contract the Hub depends on.
type Authenticator interface {
	Authenticate(headers http.Header) (auth.Identity, error)
}

// AccessPolicy decides whether identity may receive deliveries for aggregateID. The Hub treats
// it as a pure predicate, per §4.7's broadcast semantics.
type AccessPolicy func(identity auth.Identity, aggregateID string) bool

// MessageSink hands a validated inbound "msg" frame off to the out-of-scope message-write
// collaborator (HTTP CRUD for conversations/participants, per §1), returning the server sequence
// assigned to the write so the Hub can ack it.
type MessageSink interface {
	HandleInbound(ctx context.Context, identity auth.Identity, in InboundMessage) (seq uint64, err error)
}

// InboundMessage is the parsed payload of a client "msg" frame.
type InboundMessage struct {
	ConversationID string
	ClientMsgID    string
	Ciphertext     []byte
	Fingerprint    string
}

// ErrQuotaExceeded signals a rate-limit denial at connection-admission time.
var ErrQuotaExceeded = errors.New("hub: quota exceeded")

// envelope is the wire-level frame shape, per §6.1.
type envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Size    int             `json:"size,omitempty"`
}

type msgPayload struct {
	ConversationID string `json:"conversation_id"`
	Payload        string `json:"payload"` // base64-encoded opaque ciphertext envelope (C1)
	Fingerprint    string `json:"fingerprint,omitempty"`
}

type resumePayload struct {
	ResumeToken   string `json:"resumeToken"`
	LastClientSeq uint64 `json:"lastClientSeq"`
}

type ackFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Seq    uint64 `json:"seq,omitempty"`
}

type connectionAckFrame struct {
	Type    string `json:"type"`
	Payload struct {
		ResumeToken string `json:"resumeToken"`
	} `json:"payload"`
}

type resumeFailedFrame struct {
	Type string `json:"type"`
}

type msgFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Payload        []byte `json:"payload"`
	Seq            uint64 `json:"seq"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Options configures a Hub.
type Options struct {
	Authenticator      Authenticator
	ConnectionLimiter  *ratelimit.Limiter // scoped by remote address
	MessageLimiter     *ratelimit.MultiLimiter
	ResumeStore        resume.Store
	AccessPolicy       AccessPolicy
	Sink               MessageSink
	Logger             *logging.Logger
	Upgrader           *websocket.Upgrader

	HeartbeatInterval  time.Duration
	ResumeTTL          time.Duration
	MaxBufferedBytes   int64
	MessageMaxBytes    int64
	MaxQueue           int
	DropPolicy         DropPolicy
	// PauseFraction is the share of access-granted connections that must reject an envelope
	// before Deliver reports backpressure to the Stream Consumer, per §5's Backpressure model.
	PauseFraction float64
}

// connection is one live, registered WebSocket actor, per §3's Connection entity.
type connection struct {
	clientID    string
	identity    auth.Identity
	conn        *websocket.Conn
	send        chan msgFrame
	dropPolicy  DropPolicy
	maxQueue    int
	maxBuffered int64

	log *logging.Logger

	mu             sync.Mutex
	state          State
	lastServerSeq  uint64
	bufferedBytes  int64
	resumeToken    string

	closeOnce sync.Once
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hub is the WebSocket Hub (C7): connection registry, protocol state, delivery, heartbeat.
type Hub struct {
	opts Options
	log  *logging.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	closed atomic.Bool
}

// New constructs a Hub from the given Options, filling in documented defaults for any zero
// values per §6.5.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Upgrader == nil {
		opts.Upgrader = &websocket.Upgrader{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 60 * time.Second
	}
	if opts.ResumeTTL <= 0 {
		opts.ResumeTTL = 15 * time.Minute
	}
	if opts.MaxBufferedBytes <= 0 {
		opts.MaxBufferedBytes = 5 << 20
	}
	if opts.MessageMaxBytes <= 0 {
		opts.MessageMaxBytes = 65536
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 256
	}
	if opts.DropPolicy == "" {
		opts.DropPolicy = DropOld
	}
	if opts.PauseFraction <= 0 {
		opts.PauseFraction = 0.5
	}
	if opts.AccessPolicy == nil {
		opts.AccessPolicy = func(auth.Identity, string) bool { return true }
	}
	return &Hub{opts: opts, log: opts.Logger, conns: make(map[string]*connection)}
}

// ConnectionCount reports the number of currently registered connections, for readiness/metrics.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection lifecycle described in
// §4.7's register operation: rate-limit, authenticate, resume-or-allocate, then install the
// reader/writer actor pair.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, reqLog, _ := logging.WithTrace(r.Context(), logging.LoggerFromContext(r.Context()), logging.TraceIDFromContext(r.Context()))
	reqLog = reqLog.With(logging.String("remote_addr", r.RemoteAddr))

	if h.closed.Load() {
		http.Error(w, "service shutting down", http.StatusServiceUnavailable)
		return
	}

	socket, err := h.opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLog.Error("hub: upgrade failed", logging.Error(err))
		return
	}

	if h.opts.ConnectionLimiter != nil {
		result := h.opts.ConnectionLimiter.Consume(ratelimit.ScopeGlobal, r.RemoteAddr, 1)
		if !result.Allowed {
			reqLog.Warn("hub: connection admission rate limited", logging.Int64("retry_after_ms", result.RetryAfterMs))
			closeWithCode(socket, CloseOverloaded, "overloaded")
			return
		}
	}

	var identity auth.Identity
	if h.opts.Authenticator != nil {
		identity, err = h.opts.Authenticator.Authenticate(r.Header)
		if err != nil {
			reqLog.Warn("hub: authentication failed", logging.Error(err))
			closeWithCode(socket, CloseUnauthorized, "unauthorized")
			return
		}
	}

	clientID := identity.AccountID + ":" + identity.DeviceID
	if clientID == ":" {
		clientID = r.RemoteAddr
	}

	c := &connection{
		clientID:    clientID,
		identity:    identity,
		conn:        socket,
		send:        make(chan msgFrame, h.opts.MaxQueue),
		dropPolicy:  h.opts.DropPolicy,
		maxQueue:    h.opts.MaxQueue,
		maxBuffered: h.opts.MaxBufferedBytes,
		log:         reqLog.With(logging.String("client_id", clientID)),
		state:       StateAuthenticating,
	}
	socket.SetReadLimit(h.opts.MessageMaxBytes + 1)

	h.evictExisting(clientID)

	resumeToken := r.URL.Query().Get("resume_token")
	if resumeToken != "" {
		c.setState(StateResuming)
		snapshot, err := h.opts.ResumeStore.Load(ctx, resumeToken)
		if err == nil {
			c.mu.Lock()
			c.lastServerSeq = snapshot.LastServerSeq
			c.resumeToken = resumeToken
			c.mu.Unlock()
			h.sendPendingTail(c, snapshot)
		} else {
			_ = writeJSON(socket, resumeFailedFrame{Type: "resume_failed"})
			resumeToken = ""
		}
	}
	if resumeToken == "" {
		c.resumeToken = uuid.NewString()
	}

	h.register(c)
	c.setState(StateOpen)

	ack := connectionAckFrame{Type: "connection_ack"}
	ack.Payload.ResumeToken = c.resumeToken
	if err := writeJSON(socket, ack); err != nil {
		c.log.Error("hub: failed to send connection_ack", logging.Error(err))
	}

	go h.writeLoop(c)
	h.readLoop(ctx, c)
}

func (h *Hub) evictExisting(clientID string) {
	h.mu.Lock()
	existing, ok := h.conns[clientID]
	h.mu.Unlock()
	if ok {
		// §3 invariant: at most one live Connection per clientId.
		h.closeConnection(existing, websocket.CloseNormalClosure, "superseded")
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c.clientID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	if existing, ok := h.conns[c.clientID]; ok && existing == c {
		delete(h.conns, c.clientID)
	}
	h.mu.Unlock()
}

func (h *Hub) sendPendingTail(c *connection, snapshot resume.Snapshot) {
	for _, entry := range snapshot.PendingTail {
		select {
		case c.send <- msgFrame{Type: "msg", ConversationID: entry.ConversationID, MessageID: entry.MessageID, Payload: entry.Payload, Seq: entry.ServerSeq}:
		default:
		}
	}
}

// readLoop is the per-connection reader actor: arrival-ordered frame handling, per §5's ordering
// guarantee ("inbound frames handled in arrival order").
func (h *Hub) readLoop(ctx context.Context, c *connection) {
	waitDuration := 2 * h.opts.HeartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	defer func() {
		h.unregister(c)
		h.persistSnapshot(context.Background(), c)
		c.setState(StateClosed)
		_ = c.conn.Close()
	}()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || errors.Is(err, websocket.ErrReadLimit) {
				c.log.Warn("hub: closing connection, oversize frame", logging.Error(err))
			} else if isHeartbeatTimeout(err) {
				c.log.Warn("hub: heartbeat timeout", logging.Error(err))
				closeWithCode(c.conn, CloseInternalError, "heartbeat_timeout")
			} else {
				c.log.Debug("hub: read loop ending", logging.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if int64(len(raw)) > h.opts.MessageMaxBytes {
			closeWithCode(c.conn, CloseMessageTooLarge, "message_too_large")
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.V != 1 || env.ID == "" || env.Type == "" {
			closeWithCode(c.conn, CloseProtocolError, "protocol_error")
			return
		}

		if !h.handleFrame(ctx, c, env) {
			closeWithCode(c.conn, CloseProtocolError, "protocol_error")
			return
		}
	}
}

// handleFrame dispatches one validated envelope by type, per §4.7's inbound frame protocol.
// It returns false when the frame itself constitutes a protocol error.
func (h *Hub) handleFrame(ctx context.Context, c *connection, env envelope) bool {
	switch env.Type {
	case "ping":
		h.enqueuePong(c)
		return true
	case "resume":
		h.handleResume(ctx, c, env)
		return true
	case "msg":
		return h.handleMsg(ctx, c, env)
	case "close":
		h.persistSnapshot(ctx, c)
		closeWithCode(c.conn, websocket.CloseNormalClosure, "client requested close")
		return true
	default:
		return false
	}
}

func (h *Hub) enqueuePong(c *connection) {
	select {
	case c.send <- msgFrame{Type: "pong"}:
	default:
	}
}

func (h *Hub) handleResume(ctx context.Context, c *connection, env envelope) {
	var payload resumePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		_ = writeJSON(c.conn, resumeFailedFrame{Type: "resume_failed"})
		return
	}
	snapshot, err := h.opts.ResumeStore.Load(ctx, payload.ResumeToken)
	if err != nil {
		_ = writeJSON(c.conn, resumeFailedFrame{Type: "resume_failed"})
		return
	}
	c.mu.Lock()
	c.lastServerSeq = snapshot.LastServerSeq
	c.mu.Unlock()
	h.sendPendingTail(c, snapshot)
	_ = writeJSON(c.conn, ackFrame{Type: "ack", ID: env.ID, Status: "accepted", Seq: snapshot.LastServerSeq})
}

func (h *Hub) handleMsg(ctx context.Context, c *connection, env envelope) bool {
	scopes := map[ratelimit.Scope]string{}
	if c.identity.DeviceID != "" {
		scopes[ratelimit.ScopeDevice] = c.identity.DeviceID
	}
	if c.identity.SessionID != "" {
		scopes[ratelimit.ScopeSession] = c.identity.SessionID
	}
	if c.identity.AccountID != "" {
		scopes[ratelimit.ScopeUser] = c.identity.AccountID
	}
	if h.opts.MessageLimiter != nil {
		if scope, result := h.opts.MessageLimiter.Consume(scopes, 1); !result.Allowed {
			c.log.Warn("hub: message quota exceeded", logging.String("scope", scope.String()))
			closeWithCode(c.conn, CloseOverloaded, "overloaded")
			return true
		}
	}

	var payload msgPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Payload)
	if err != nil {
		return false
	}

	var seq uint64
	if h.opts.Sink != nil {
		seq, err = h.opts.Sink.HandleInbound(ctx, c.identity, InboundMessage{
			ConversationID: payload.ConversationID,
			ClientMsgID:    env.ID,
			Ciphertext:     ciphertext,
			Fingerprint:    payload.Fingerprint,
		})
		if err != nil {
			_ = writeJSON(c.conn, errorFrame{Type: "error", Code: "rejected", Message: err.Error()})
			_ = writeJSON(c.conn, ackFrame{Type: "ack", ID: env.ID, Status: "rejected"})
			return true
		}
	}

	return writeJSON(c.conn, ackFrame{Type: "ack", ID: env.ID, Status: "accepted", Seq: seq}) == nil
}

// writeLoop is the per-connection serial writer actor (one writer per socket, per §5), owning
// heartbeat PINGs and draining the bounded send queue in order.
func (h *Hub) writeLoop(c *connection) {
	const writeWait = 10 * time.Second
	pingTicker := time.NewTicker(h.opts.HeartbeatInterval)
	defer pingTicker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if frame.Type == "msg" {
				c.mu.Lock()
				frame.Seq = c.lastServerSeq + 1
				c.mu.Unlock()
			}
			if err := writeJSON(c.conn, frame); err != nil {
				c.log.Warn("hub: write failed, closing", logging.Error(err))
				return
			}
			if frame.Type == "msg" {
				c.mu.Lock()
				c.lastServerSeq = frame.Seq
				c.bufferedBytes -= int64(len(frame.Payload))
				if c.bufferedBytes < 0 {
					c.bufferedBytes = 0
				}
				c.mu.Unlock()
			}
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("hub: ping failed, closing", logging.Error(err))
				return
			}
		}
	}
}

// Deliver implements stream.Deliverer: it hands a reordered, deduped stream entry to every
// connection whose identity is granted access to the partition's aggregate, per §4.7's
// broadcast(partitionKey,envelope) semantics. It reports stream.ErrBackpressure when a
// configurable fraction of the candidate connections are unable to accept the envelope.
func (h *Hub) Deliver(_ context.Context, partition string, entry stream.Entry) error {
	h.mu.RLock()
	candidates := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		if h.opts.AccessPolicy(c.identity, partition) {
			candidates = append(candidates, c)
		}
	}
	h.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	frame := msgFrame{Type: "msg", ConversationID: partition, MessageID: entry.MessageID, Payload: entry.Payload}
	failed := 0
	for _, c := range candidates {
		if !h.deliverTo(c, frame) {
			failed++
		}
	}
	if float64(failed)/float64(len(candidates)) >= h.opts.PauseFraction {
		return stream.ErrBackpressure
	}
	return nil
}

// deliverTo enqueues frame on c's bounded outbound queue, honoring drop policy on overflow and
// closing the connection overloaded (with a resume checkpoint) once both the queue and the
// buffered-bytes budget are exhausted, per §4.7's outbound delivery contract.
func (h *Hub) deliverTo(c *connection, frame msgFrame) bool {
	c.mu.Lock()
	projected := c.bufferedBytes + int64(len(frame.Payload))
	c.mu.Unlock()

	select {
	case c.send <- frame:
		c.mu.Lock()
		c.bufferedBytes = projected
		c.mu.Unlock()
		return true
	default:
	}

	if projected <= c.maxBuffered {
		switch c.dropPolicy {
		case DropOld:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- frame:
				c.mu.Lock()
				c.bufferedBytes = projected
				c.mu.Unlock()
				return true
			default:
				return false
			}
		default: // DropNew
			return false
		}
	}

	// Queue full and over the buffered-bytes budget: overloaded, per §4.7.
	h.closeConnection(c, CloseOverloaded, "overloaded")
	return false
}

func (h *Hub) persistSnapshot(ctx context.Context, c *connection) {
	if h.opts.ResumeStore == nil {
		return
	}
	c.mu.Lock()
	snapshot := resume.Snapshot{
		AccountID:     c.identity.AccountID,
		DeviceID:      c.identity.DeviceID,
		LastServerSeq: c.lastServerSeq,
	}
	token := c.resumeToken
	c.mu.Unlock()
	if token == "" {
		return
	}
	if err := h.opts.ResumeStore.Persist(ctx, token, snapshot, h.opts.ResumeTTL); err != nil {
		c.log.Error("hub: persist resume snapshot failed", logging.Error(err))
	}
}

func (h *Hub) closeConnection(c *connection, code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		h.persistSnapshot(context.Background(), c)
		closeWithCode(c.conn, code, reason)
	})
}

// Shutdown persists resume snapshots for every live connection and closes their sockets, per
// §4.9's graceful-stop contract.
func (h *Hub) Shutdown(ctx context.Context) {
	h.closed.Store(true)
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.persistSnapshot(ctx, c)
		closeWithCode(c.conn, websocket.CloseGoingAway, "shutting down")
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func isHeartbeatTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func writeJSON(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("hub: encode frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}
