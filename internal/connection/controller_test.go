package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/ibgate/internal/model"
)

var errRefused = errors.New("connection refused")

// fakeTransport is an in-memory Transport.
type fakeTransport struct {
	mu             sync.Mutex
	connected      bool
	connectErr     error
	connectCalls   int
	disconnects    int
	subscribeCalls int
	subs           map[Event]map[int]func()
	nextSub        int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[Event]map[int]func())}
}

func (f *fakeTransport) Connect(ctx context.Context, _ ConnectParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeTransport) Subscribe(event Event, fn func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	f.nextSub++
	id := f.nextSub
	if f.subs[event] == nil {
		f.subs[event] = make(map[int]func())
	}
	f.subs[event][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[event], id)
	}, nil
}

func (f *fakeTransport) LookupDetails(_ context.Context, spec model.InstrumentSpec) ([]model.ContractDetails, error) {
	return []model.ContractDetails{{Contract: spec, ConID: 42}}, nil
}

// drop simulates the gateway going away and notifies subscribers.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	handlers := make([]func(), 0, len(f.subs[EventDisconnected]))
	for _, fn := range f.subs[EventDisconnected] {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) handlerCount(event Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[event])
}

// countingObserver records controller callbacks.
type countingObserver struct {
	mu        sync.Mutex
	statuses  []Status
	attempts  int
	exhausted int
}

func (o *countingObserver) ObserveStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *countingObserver) ObserveReconnectAttempt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *countingObserver) ObserveReconnectExhausted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *countingObserver) counts() (attempts, exhausted int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts, o.exhausted
}

func testConfig(interval time.Duration, maxAttempts int) Config {
	return Config{
		ReconnectInterval:    interval,
		MaxReconnectAttempts: maxAttempts,
		LivenessInterval:     time.Hour,
		ConnectTimeout:       time.Second,
	}
}

func newTestController(t *testing.T, cfg Config, tr Transport, opts ...ControllerOption) *Controller {
	t.Helper()
	c := NewController(cfg, tr, nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Connect(context.Background(), "127.0.0.1", 4001, 1, DefaultConnectOptions()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func TestStatus_String(t *testing.T) {
	tests := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusReconnecting: "reconnecting",
		Status(99):         "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	def := DefaultConfig()
	if def.ReconnectInterval != 10*time.Second || def.MaxReconnectAttempts != 5 || def.LivenessInterval != 5*time.Second {
		t.Errorf("DefaultConfig() = %+v", def)
	}
	sup := SupervisedConfig()
	if sup.ReconnectInterval != 2*time.Second || sup.MaxReconnectAttempts != 300 || sup.LivenessInterval != 5*time.Second {
		t.Errorf("SupervisedConfig() = %+v", sup)
	}
}

func TestController_Connect(t *testing.T) {
	tr := newFakeTransport()
	obs := &countingObserver{}
	c := newTestController(t, testConfig(time.Millisecond, 3), tr, WithObserver(obs))

	if c.Status() != StatusDisconnected {
		t.Fatalf("initial status = %s", c.Status())
	}

	connect(t, c)

	st := c.State()
	if st.Status != StatusConnected || !c.IsConnected() {
		t.Errorf("status = %s, connected = %v", st.Status, c.IsConnected())
	}
	if st.Params.Host != "127.0.0.1" || st.Params.Port != 4001 || st.Params.ClientID != 1 {
		t.Errorf("params = %+v", st.Params)
	}
	if tr.handlerCount(EventDisconnected) != 1 {
		t.Errorf("disconnect handlers = %d, want 1", tr.handlerCount(EventDisconnected))
	}

	// Same parameters while connected is a no-op.
	connect(t, c)
	if tr.calls() != 1 {
		t.Errorf("connect calls = %d, want 1", tr.calls())
	}

	obs.mu.Lock()
	statuses := append([]Status(nil), obs.statuses...)
	obs.mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusConnecting || statuses[1] != StatusConnected {
		t.Errorf("observed statuses = %v", statuses)
	}
}

func TestController_ConnectFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.setConnectErr(errRefused)
	c := newTestController(t, testConfig(time.Millisecond, 3), tr)

	err := c.Connect(context.Background(), "127.0.0.1", 4001, 1, DefaultConnectOptions())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect error = %v, want ErrConnectionFailed", err)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("Connect error = %v, want wrapped cause", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", c.Status())
	}

	time.Sleep(20 * time.Millisecond)
	if tr.calls() != 1 {
		t.Errorf("connect calls = %d, want 1 (no retry)", tr.calls())
	}
}

func TestController_ReconnectBound(t *testing.T) {
	const maxAttempts = 3

	tr := newFakeTransport()
	obs := &countingObserver{}
	c := newTestController(t, testConfig(time.Millisecond, maxAttempts), tr, WithObserver(obs))
	connect(t, c)

	tr.setConnectErr(errRefused)
	tr.drop()

	waitFor(t, "reconnect exhaustion", func() bool {
		st := c.State()
		_, exhausted := obs.counts()
		return st.Status == StatusDisconnected && errors.Is(st.LastError, ErrReconnectExhausted) && exhausted == 1
	})

	if st := c.State(); st.ReconnectAttempt != 0 {
		t.Errorf("attempt counter = %d, want reset to 0", st.ReconnectAttempt)
	}
	attempts, exhausted := obs.counts()
	if attempts != maxAttempts || exhausted != 1 {
		t.Errorf("attempts = %d, exhausted = %d; want %d, 1", attempts, exhausted, maxAttempts)
	}
	if tr.calls() != 1+maxAttempts {
		t.Errorf("connect calls = %d, want %d", tr.calls(), 1+maxAttempts)
	}

	// No further automatic attempts.
	time.Sleep(20 * time.Millisecond)
	if tr.calls() != 1+maxAttempts {
		t.Errorf("connect calls grew to %d after giving up", tr.calls())
	}

	// An explicit connect starts over.
	tr.setConnectErr(nil)
	connect(t, c)
	if c.Status() != StatusConnected {
		t.Errorf("status = %s after explicit reconnect", c.Status())
	}
}

func TestController_NoDuplicateReconnectTasks(t *testing.T) {
	tr := newFakeTransport()
	obs := &countingObserver{}
	c := newTestController(t, testConfig(30*time.Millisecond, 5), tr, WithObserver(obs))
	connect(t, c)

	tr.drop()
	tr.drop()
	if c.Status() != StatusReconnecting {
		t.Fatalf("status = %s, want reconnecting", c.Status())
	}

	waitFor(t, "reconnect", func() bool { return c.Status() == StatusConnected })

	attempts, _ := obs.counts()
	if attempts != 1 {
		t.Errorf("reconnect attempts = %d, want 1", attempts)
	}
	if tr.calls() != 2 {
		t.Errorf("connect calls = %d, want 2", tr.calls())
	}
	if c.State().ReconnectAttempt != 0 {
		t.Errorf("attempt counter = %d, want 0", c.State().ReconnectAttempt)
	}
}

func TestController_DisconnectCancelsSleepingReconnect(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(testConfig(time.Hour, 5), tr, nil)
	connect(t, c)

	tr.drop()
	waitFor(t, "first attempt", func() bool { return c.State().ReconnectAttempt == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Disconnect took %v", elapsed)
	}

	if c.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", c.Status())
	}
	if tr.handlerCount(EventDisconnected) != 0 {
		t.Errorf("disconnect handlers = %d, want 0", tr.handlerCount(EventDisconnected))
	}
	if tr.calls() != 1 {
		t.Errorf("connect calls = %d, want 1", tr.calls())
	}

	// Notifications after an explicit disconnect are ignored.
	tr.drop()
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %s after late notification", c.Status())
	}
}

func TestController_LivenessPoll(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig(time.Millisecond, 5)
	cfg.LivenessInterval = 5 * time.Millisecond
	c := newTestController(t, cfg, tr)
	connect(t, c)

	// Connection lost without a notification.
	tr.setConnected(false)

	waitFor(t, "reconnect via liveness poll", func() bool {
		return tr.calls() == 2 && c.Status() == StatusConnected
	})
}

func TestController_RestoredByAnotherPath(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig(time.Hour, 5)
	cfg.LivenessInterval = 5 * time.Millisecond
	c := newTestController(t, cfg, tr)
	connect(t, c)

	tr.drop()
	waitFor(t, "first attempt", func() bool { return c.State().ReconnectAttempt == 1 })

	tr.setConnected(true)
	waitFor(t, "restored", func() bool { return c.Status() == StatusConnected })

	if c.State().ReconnectAttempt != 0 {
		t.Errorf("attempt counter = %d, want 0", c.State().ReconnectAttempt)
	}
	if tr.calls() != 1 {
		t.Errorf("connect calls = %d, want 1", tr.calls())
	}
}

func TestController_AutoReconnectDisabled(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, testConfig(time.Millisecond, 5), tr)

	if err := c.Connect(context.Background(), "127.0.0.1", 4001, 1, ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	tr.drop()

	st := c.State()
	if st.Status != StatusDisconnected || !errors.Is(st.LastError, ErrConnectionLost) {
		t.Errorf("state = %+v", st)
	}
	time.Sleep(10 * time.Millisecond)
	if tr.calls() != 1 {
		t.Errorf("connect calls = %d, want 1", tr.calls())
	}
}

func TestController_ConnectWhileReconnecting(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, testConfig(time.Hour, 5), tr)
	connect(t, c)
	tr.drop()

	err := c.Connect(context.Background(), "127.0.0.1", 4001, 1, DefaultConnectOptions())
	if !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("Connect error = %v, want ErrConnectInProgress", err)
	}
}

func TestController_ReconnectAfterDroppedConnectedSession(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, testConfig(time.Hour, 5), tr)
	connect(t, c)

	// Session gone without a notification; the liveness poll has not run.
	tr.setConnected(false)

	connect(t, c)
	if got := tr.calls(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
	if c.Status() != StatusConnected || !c.IsConnected() {
		t.Errorf("status = %s, want connected", c.Status())
	}
	if n := tr.handlerCount(EventDisconnected); n != 1 {
		t.Errorf("disconnect handlers = %d, want 1", n)
	}

	err := c.Connect(context.Background(), "10.0.0.9", 4002, 1, DefaultConnectOptions())
	if !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("Connect to another gateway error = %v, want ErrConnectInProgress", err)
	}
}

func TestController_DisconnectExpiredContextCompletesTeardown(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, testConfig(time.Hour, 5), tr)
	connect(t, c)

	tr.setConnectErr(errRefused)
	tr.drop()
	waitFor(t, "reconnecting", func() bool { return c.Status() == StatusReconnecting })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The wait may or may not lose the race with the loop exiting; teardown
	// must complete either way.
	_ = c.Disconnect(ctx)

	if got := c.Status(); got != StatusDisconnected {
		t.Errorf("status after Disconnect = %s, want disconnected", got)
	}
	if got := tr.disconnectCount(); got != 1 {
		t.Errorf("transport disconnects = %d, want 1", got)
	}
	if n := tr.handlerCount(EventDisconnected); n != 0 {
		t.Errorf("disconnect handlers = %d, want 0", n)
	}

	tr.setConnectErr(nil)
	connect(t, c)
	if c.Status() != StatusConnected {
		t.Errorf("status after reconnect = %s, want connected", c.Status())
	}
	if n := tr.handlerCount(EventDisconnected); n != 1 {
		t.Errorf("disconnect handlers after reconnect = %d, want 1", n)
	}
}

func TestController_HandlersIdempotentAcrossCycles(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, testConfig(time.Millisecond, 5), tr)

	for i := 0; i < 3; i++ {
		connect(t, c)
		if n := tr.handlerCount(EventDisconnected); n != 1 {
			t.Fatalf("cycle %d: disconnect handlers = %d, want 1", i, n)
		}
		if err := c.Disconnect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		if err := c.RegisterHandler(EventConnected, "audit", func() {}); err != nil {
			t.Fatal(err)
		}
	}
	if n := tr.handlerCount(EventConnected); n != 1 {
		t.Errorf("connected handlers = %d, want 1", n)
	}
	if !c.UnregisterHandler(EventConnected, "audit") {
		t.Error("UnregisterHandler reported missing handler")
	}
	if c.UnregisterHandler(EventConnected, "audit") {
		t.Error("UnregisterHandler removed twice")
	}
}

func TestController_LookupDetails(t *testing.T) {
	tr := newFakeTransport()
	c := newTestController(t, testConfig(time.Millisecond, 5), tr)

	if _, err := c.LookupDetails(context.Background(), model.Stock("AAPL")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("LookupDetails before connect error = %v, want ErrNotConnected", err)
	}

	connect(t, c)
	details, err := c.LookupDetails(context.Background(), model.Stock("AAPL"))
	if err != nil || len(details) != 1 || details[0].ConID != 42 {
		t.Errorf("LookupDetails() = %+v, %v", details, err)
	}
}
