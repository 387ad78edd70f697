package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/ibgate/internal/model"
	"github.com/rickgao/ibgate/internal/version"
)

// codeNoSecurityDefinition is the gateway error for a lookup that matched nothing.
const codeNoSecurityDefinition = 200

// WSTransport is a Transport speaking JSON over a websocket to a gateway bridge.
type WSTransport struct {
	cfg     WSConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	conn       *websocket.Conn
	done       chan struct{}
	connected  bool
	lastPingAt time.Time

	// Request/response correlation
	pendingMu sync.Mutex
	pending   map[string]chan response

	// Event subscriptions
	subsMu  sync.Mutex
	subs    map[Event]map[uint64]func()
	nextSub uint64
}

// NewWSTransport creates a disconnected websocket transport.
func NewWSTransport(cfg WSConfig, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RequestRate > 0 {
		limit = rate.Limit(cfg.RequestRate)
	}
	burst := cfg.RequestBurst
	if burst <= 0 {
		burst = 1
	}

	return &WSTransport{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		pending: make(map[string]chan response),
		subs:    make(map[Event]map[uint64]func()),
	}
}

// Endpoint returns the bridge URL for params.
func (t *WSTransport) Endpoint(params ConnectParams) string {
	q := url.Values{}
	q.Set("client_id", strconv.Itoa(params.ClientID))
	if params.ReadOnly {
		q.Set("read_only", "true")
	}
	u := url.URL{
		Scheme:   t.cfg.Scheme,
		Host:     params.Host + ":" + strconv.Itoa(params.Port),
		Path:     t.cfg.Path,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Connect dials the bridge. A live session is left untouched.
func (t *WSTransport) Connect(ctx context.Context, params ConnectParams) error {
	if t.IsConnected() {
		return nil
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	endpoint := t.Endpoint(params)
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.connected = true
	t.lastPingAt = time.Now()
	t.mu.Unlock()

	// Set up ping handler - server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Set up pong handler - server responds to our ping
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	go t.readLoop(conn, done)
	go t.heartbeatLoop(conn, done)

	t.logger.Debug("websocket connected", "url", endpoint)
	t.fire(EventConnected)
	return nil
}

// Disconnect closes the session and fails in-flight lookups.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	wasConnected := t.connected
	t.conn, t.done = nil, nil
	t.connected = false
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Signal goroutines to stop
	close(done)

	t.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	err := conn.Close()

	t.failPending(ErrNotConnected)
	if wasConnected {
		t.fire(EventDisconnected)
	}
	return err
}

// IsConnected returns the current connection state.
func (t *WSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Subscribe registers fn for event.
func (t *WSTransport) Subscribe(event Event, fn func()) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("nil handler for %s", event)
	}

	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	t.nextSub++
	id := t.nextSub
	if t.subs[event] == nil {
		t.subs[event] = make(map[uint64]func())
	}
	t.subs[event][id] = fn

	return func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		delete(t.subs[event], id)
	}, nil
}

// LookupDetails requests every contract matching spec and waits for the reply.
func (t *WSTransport) LookupDetails(ctx context.Context, spec model.InstrumentSpec) ([]model.ContractDetails, error) {
	if !t.IsConnected() {
		return nil, ErrNotConnected
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, err := json.Marshal(request{
		ID:       id,
		Type:     msgContractDetails,
		Contract: toWire(spec),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := t.send(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.Error != nil {
			if resp.Error.Code == codeNoSecurityDefinition {
				return nil, nil
			}
			return nil, resp.Error
		}
		out := make([]model.ContractDetails, 0, len(resp.Details))
		for _, d := range resp.Details {
			out = append(out, d.toModel())
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// send writes a text frame.
func (t *WSTransport) send(data []byte) error {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	t.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop routes responses to waiting lookups until the connection drops.
func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Ignore errors after Disconnect() is called
			select {
			case <-done:
			default:
				t.drop(conn, err)
			}
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("ignoring malformed message", "error", err)
			continue
		}
		if resp.ID == "" {
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		t.pendingMu.Unlock()
		if !ok {
			t.logger.Debug("response for unknown request", "id", resp.ID, "type", resp.Type)
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

// heartbeatLoop pings the bridge and closes stale connections.
func (t *WSTransport) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.RLock()
			lastPing := t.lastPingAt
			t.mu.RUnlock()

			if time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				// Unblocks readLoop, which reports the drop.
				conn.Close()
				return
			}
		}
	}
}

// drop marks conn as gone after an unexpected read error.
func (t *WSTransport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn || !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	conn.Close()
	t.logger.Warn("websocket disconnected", "error", cause)
	t.failPending(ErrNotConnected)
	t.fire(EventDisconnected)
}

func (t *WSTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

// failPending completes every in-flight lookup with err.
func (t *WSTransport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	for id, ch := range t.pending {
		select {
		case ch <- response{err: err}:
		default:
		}
		delete(t.pending, id)
	}
}

// fire calls every handler subscribed to event.
func (t *WSTransport) fire(event Event) {
	t.subsMu.Lock()
	handlers := make([]func(), 0, len(t.subs[event]))
	for _, fn := range t.subs[event] {
		handlers = append(handlers, fn)
	}
	t.subsMu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}
