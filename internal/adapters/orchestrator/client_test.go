package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/StageRouter/internal/adapters/wire"
	"github.com/dkeye/StageRouter/internal/app/orch"
	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	client *Client

	mu          sync.Mutex
	connects    int
	disconnects int
	readies     []domain.Ready
	serves      []domain.ServeStage
	unserves    []domain.UnServeStage
}

func (r *recorder) OnConnect() error {
	r.mu.Lock()
	r.connects++
	r.mu.Unlock()
	return r.client.Emit(domain.EventRegister, domain.Register{APIKey: "k3y"})
}

func (r *recorder) OnReady(_ context.Context, p domain.Ready) error {
	r.mu.Lock()
	r.readies = append(r.readies, p)
	r.mu.Unlock()
	return r.client.Emit(domain.EventReady, nil)
}

func (r *recorder) OnServeStage(p domain.ServeStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serves = append(r.serves, p)
}

func (r *recorder) OnUnServeStage(p domain.UnServeStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unserves = append(r.unserves, p)
}

func (r *recorder) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects
}

// fakeOrchestrator accepts node connections and hands each to script.
func fakeOrchestrator(t *testing.T, script func(ws *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readType(t *testing.T, ws *websocket.Conn) string {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return ""
	}
	msg, err := wire.Decode(data)
	assert.NoError(t, err)
	return msg.Type
}

func TestClientSessionLifecycle(t *testing.T) {
	got := make(chan string, 8)
	report := func(typ string) {
		select {
		case got <- typ:
		default:
		}
	}
	url := fakeOrchestrator(t, func(ws *websocket.Conn) {
		report(readType(t, ws))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"router:ready","payload":{"router":{"_id":"r1","url":"node1"}}}`))
		report(readType(t, ws))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"router:serve-stage","payload":{"stage":{"_id":"s1","name":"jam"},"type":"ov","kind":"audio"}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"router:unserve-stage","payload":{"stageId":"s1","type":"ov","kind":"audio"}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"something-else"}`))
		// Closing ends the session; the client reconnects.
		time.Sleep(50 * time.Millisecond)
	})

	client := New(Options{URL: url, ReconnectDelay: 10 * time.Millisecond})
	rec := &recorder{client: client}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, rec) }()

	assert.Equal(t, domain.EventRegister, <-got)
	assert.Equal(t, domain.EventReady, <-got)

	require.Eventually(t, func() bool {
		c, d := rec.counts()
		return c >= 2 && d >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.readies)
	assert.Equal(t, "r1", rec.readies[0].Router.ID)
	assert.Equal(t, "node1", rec.readies[0].Router.URL)
	require.NotEmpty(t, rec.serves)
	assert.Equal(t, domain.StageID("s1"), rec.serves[0].Stage.ID)
	assert.Equal(t, domain.BackendOV, rec.serves[0].Type)
	require.NotEmpty(t, rec.unserves)
	assert.Equal(t, domain.KindAudio, rec.unserves[0].Kind)
}

// slowBackend takes a while to start and ignores cancellation meanwhile.
type slowBackend struct {
	delay time.Duration

	mu    sync.Mutex
	calls []string
}

func (b *slowBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *slowBackend) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *slowBackend) Type() domain.BackendType { return domain.BackendOV }

func (b *slowBackend) Start(context.Context, domain.Router) error {
	time.Sleep(b.delay)
	b.record("start")
	return nil
}

func (b *slowBackend) Assign(domain.Router)             { b.record("assign") }
func (b *slowBackend) ServeStage(domain.ServeStage)     {}
func (b *slowBackend) UnServeStage(domain.UnServeStage) {}
func (b *slowBackend) Disconnect()                      { b.record("disconnect") }
func (b *slowBackend) Close()                           {}

func TestClientSurvivesDropDuringSlowStart(t *testing.T) {
	const ready = `{"type":"router:ready","payload":{"router":{"_id":"r1"}}}`
	var conns atomic.Int32
	got := make(chan string, 8)
	url := fakeOrchestrator(t, func(ws *websocket.Conn) {
		n := conns.Add(1)
		if typ := readType(t, ws); n > 1 {
			got <- typ
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(ready))
		if n == 1 {
			// Drop the node while its backend is still starting.
			time.Sleep(50 * time.Millisecond)
			return
		}
		got <- readType(t, ws)
		time.Sleep(time.Second)
	})

	client := New(Options{URL: url, ReconnectDelay: 10 * time.Millisecond})
	backend := &slowBackend{delay: 200 * time.Millisecond}
	session := orch.NewSession("k3y", domain.RouterDescriptor{}, client, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, session) }()

	for _, want := range []string{domain.EventRegister, domain.EventReady} {
		select {
		case typ := <-got:
			assert.Equal(t, want, typ)
		case err := <-done:
			t.Fatalf("run returned early: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatalf("no %s on the second connection", want)
		}
	}
	assert.Empty(t, done)
	assert.Equal(t, []string{"start", "disconnect", "assign"}, backend.recorded())

	cancel()
	require.NoError(t, <-done)
}

func TestEmitWithoutConnection(t *testing.T) {
	client := New(Options{URL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, client.Emit(domain.EventReady, nil), ErrNotConnected)
}
