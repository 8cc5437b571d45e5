package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gardend/internal/device"
	"gardend/internal/eventbus"
	logx "gardend/pkg/logx"
)

const mowerID = "11111111-1111-1111-1111-111111111111"

func mowerTable() *device.Table {
	t := device.NewTable(logx.Nop())
	t.Replace(device.Normalize([]device.Service{
		{ID: mowerID, Type: "MOWER", Attributes: device.Attributes{
			"activity":     {Value: "OK_CUTTING"},
			"batteryLevel": {Value: 90.0},
		}},
	}, logx.Nop()))
	return t
}

type fakeCatalog struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCatalog) Refresh(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "loc-1", f.err
}

type fakeStream struct{ url string }

func (f fakeStream) OpenEventStream(context.Context, string) (string, error) { return f.url, nil }

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestTieredBackOff(t *testing.T) {
	t.Parallel()
	b := newTieredBackOff(time.Second, time.Minute, 3)
	got := []time.Duration{b.NextBackOff(), b.NextBackOff(), b.NextBackOff(), b.NextBackOff()}
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Minute, time.Minute}, got)
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}

func TestHubRejectsUnauthenticated(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{Token: "tok"}, logx.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Clients())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=tok", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubBroadcastAndDrop(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{}, logx.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	_ = b.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, hub.Broadcast([]byte(`{"x":1}`)))
	_ = a.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := a.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(msg))
}

func TestHubDropsClientThatStopsAnsweringPings(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{PingInterval: 50 * time.Millisecond, PongTimeout: 50 * time.Millisecond}, logx.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	// Reading keeps the default ping handler answering with pongs.
	live, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer live.Close()
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Never reads, so pings go unanswered.
	silent, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer silent.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, hub.Clients())
}

func TestHubSetToken(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{Token: "old"}, logx.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.SetToken("new")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=old", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=new", nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestHandleMergesAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	table := mowerTable()
	r := New(Config{}, &fakeCatalog{}, fakeStream{}, table, nil, logx.Nop(), bus)

	r.handle([]byte(`{"id":"` + mowerID + `","type":"MOWER","attributes":{"activity":{"value":"PARKED_TIMER"}}}`))
	r.handle([]byte(`not json`))
	r.handle([]byte(`{"id":"` + mowerID + `:9","type":"VALVE","attributes":{}}`))

	d, ok := table.Get(mowerID)
	require.True(t, ok)
	assert.Equal(t, "PARKED_TIMER", d.Attributes.Text("activity"))
	assert.Equal(t, 90.0, d.Attributes["batteryLevel"].Value)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{
		eventbus.TypeDeviceUpdated,
		eventbus.TypeMowingFinished,
		eventbus.TypeDeviceDropped,
		eventbus.TypeDeviceDropped,
	}, types)
}

func TestRunRelaysUpstreamFrame(t *testing.T) {
	t.Parallel()
	frame := `{"id":"` + mowerID + `","type":"MOWER","attributes":{"activity":{"value":"PARKED_TIMER"}}}`

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := websocket.Upgrader{}
		conn, err := u.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer up.Close()

	hub := NewHub(HubConfig{Token: "tok"}, logx.Nop(), nil)
	down := httptest.NewServer(hub)
	defer down.Close()
	client, _, err := websocket.DefaultDialer.Dial(wsURL(down)+"?token=tok", nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	table := mowerTable()
	r := New(Config{}, &fakeCatalog{}, fakeStream{url: wsURL(up)}, table, hub, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	r.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		cancel()
		return make(chan time.Time)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, frame, string(msg))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, []time.Duration{15 * time.Second}, waits)
	assert.Equal(t, Disconnected, r.State())
	d, _ := table.Get(mowerID)
	assert.Equal(t, "PARKED_TIMER", d.Attributes.Text("activity"))
}

func TestRunBacksOffLongAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalog{err: errors.New("cloud down")}
	r := New(Config{ReconnectDelay: time.Second, FailureDelay: time.Hour, FailureThreshold: 2},
		cat, fakeStream{}, mowerTable(), nil, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var waits []time.Duration
	r.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
		}
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	require.NoError(t, r.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, time.Hour, time.Hour}, waits)
}
