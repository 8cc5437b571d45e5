package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gardend/internal/command"
	"gardend/internal/device"
	"gardend/internal/gardena"
	"gardend/internal/relay"
	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

type memBackend struct {
	mu   sync.Mutex
	recs []schedule.Record
	err  error
}

func (b *memBackend) Load(context.Context) ([]schedule.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schedule.Record(nil), b.recs...), nil
}

func (b *memBackend) fail(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recs)
}

func (b *memBackend) Save(_ context.Context, recs []schedule.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.recs = append([]schedule.Record(nil), recs...)
	return nil
}

type reloadFunc func(context.Context, []schedule.Record) error

func (f reloadFunc) Reload(ctx context.Context, recs []schedule.Record) error { return f(ctx, recs) }

type fakePlanner struct{ next time.Time }

func (p fakePlanner) NextInvocation(deviceID string, _ time.Time) (time.Time, bool) {
	if deviceID != "mower-1" {
		return time.Time{}, false
	}
	return p.next, true
}

type fakeDevices struct {
	mu          sync.Mutex
	invalidated int
	err         error
}

func (f *fakeDevices) Devices(context.Context) ([]device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []device.Device{{ID: "mower-1", Kind: device.CategoryMower, Name: "Sileno"}}, nil
}

func (f *fakeDevices) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeDevices) invalidations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated
}

func (f *fakeDevices) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeCommands struct {
	mu  sync.Mutex
	got []command.Request
	err error
}

func (f *fakeCommands) Dispatch(_ context.Context, req command.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	return f.err
}

func (f *fakeCommands) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeCommands) sent() []command.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Request(nil), f.got...)
}

type fakeRenamer struct{ err error }

func (f fakeRenamer) RenameService(context.Context, string, string) error { return f.err }

type fakeRelay struct{}

func (fakeRelay) State() relay.State { return relay.Connected }

type fixture struct {
	srv      *httptest.Server
	backend  *memBackend
	devices  *fakeDevices
	commands *fakeCommands
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{backend: &memBackend{}, devices: &fakeDevices{}, commands: &fakeCommands{}}
	store := schedule.NewStore(f.backend, reloadFunc(func(context.Context, []schedule.Record) error { return nil }), logx.Nop())
	deps := Deps{
		Schedules: store,
		Planner:   fakePlanner{next: time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)},
		Devices:   f.devices,
		Commands:  f.commands,
		Renamer:   fakeRenamer{},
		Relay:     fakeRelay{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "gardend_relay_clients 0\n")
		}),
	}
	f.srv = httptest.NewServer(routes(Config{Token: token}, deps, logx.Nop()))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

const mowBody = `{"cron":"0 6 * * 1","deviceId":"mower-1","deviceName":"Sileno","action":"start","value":"90","deviceType":"MOWER","enabled":true}`

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/api/schedules", mowBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rec schedule.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, schedule.Minutes(90), rec.Value)

	resp, body = f.do(t, http.MethodPatch, "/api/schedules/"+rec.ID+"/toggle", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"enabled":false`)

	resp, body = f.do(t, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []schedule.Record
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	resp, _ = f.do(t, http.MethodPatch, "/api/schedules/device/mower-1/enable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/schedules/"+rec.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodDelete, "/api/schedules/"+rec.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))
}

func TestAddFromWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	body := `{"deviceId":"valve-dev","valveServiceId":"valve-dev:1","action":"startWatering","enabled":true,
		"window":{"start":"08:00","end":"08:30","days":[1,3],"utcOffsetMinutes":120}}`
	resp, out := f.do(t, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(out))
	var rec schedule.Record
	require.NoError(t, json.Unmarshal(out, &rec))
	assert.Equal(t, "0 6 * * 1,3", rec.Cron)
	assert.Equal(t, schedule.Minutes(30), rec.Value)
}

func TestAddRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	cases := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"empty", ``},
		{"unknown action", `{"cron":"0 6 * * 1","deviceId":"d","action":"fly","enabled":true}`},
		{"value out of range", `{"cron":"0 6 * * 1","deviceId":"d","action":"start","value":999}`},
		{"inverted window", `{"deviceId":"d","action":"turnOn","window":{"start":"10:00","end":"09:00","days":[1]}}`},
		{"no days", `{"deviceId":"d","action":"turnOn","window":{"start":"08:00","end":"09:00","days":[]}}`},
	}
	for _, tc := range cases {
		resp, body := f.do(t, http.MethodPost, "/api/schedules", tc.body)
		assert.Equalf(t, http.StatusBadRequest, resp.StatusCode, "%s: %s", tc.name, body)
	}
	assert.Zero(t, f.backend.len())
}

func TestPersistenceFailureIs500(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.backend.fail(errors.New("disk full"))
	resp, body := f.do(t, http.MethodPost, "/api/schedules", mowBody)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, string(body))
}

func TestBulkOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/schedules", mowBody)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodPatch, "/api/schedules/all/disable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"affected":3}`, string(body))

	resp, body = f.do(t, http.MethodDelete, "/api/schedules/device/other", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"affected":0}`, string(body))

	resp, body = f.do(t, http.MethodDelete, "/api/schedules/all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"affected":3}`, string(body))
}

func TestNextInvocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	_, body := f.do(t, http.MethodGet, "/api/schedules/next/mower-1", "")
	assert.JSONEq(t, `{"deviceId":"mower-1","next":"2026-05-04T06:00:00Z"}`, string(body))
	_, body = f.do(t, http.MethodGet, "/api/schedules/next/nobody", "")
	assert.JSONEq(t, `{"deviceId":"nobody","next":null}`, string(body))
}

func TestDevicesAndControl(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodGet, "/api/devices?refresh=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"kind":"MOWER"`)
	assert.Equal(t, 1, f.devices.invalidations())

	resp, body = f.do(t, http.MethodPost, "/api/devices/control", `{"deviceId":"mower-1","action":"start","value":"30"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	sent := f.commands.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 30, sent[0].Minutes)

	for _, bad := range []string{
		`{"deviceId":"mower-1","action":"start"}`,
		`{"deviceId":"mower-1","action":"start","value":361}`,
		`{"deviceId":"water-1","action":"startWatering","value":100000}`,
		`{"deviceId":"water-1","action":"startWatering","value":-5}`,
	} {
		resp, _ = f.do(t, http.MethodPost, "/api/devices/control", bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
	assert.Len(t, f.commands.sent(), 1)

	resp, _ = f.do(t, http.MethodPost, "/api/devices/control", `{"deviceId":"plug-1","action":"turnOff"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.commands.fail(&gardena.GatewayError{Op: "command", Status: http.StatusConflict, Title: "busy"})
	resp, body = f.do(t, http.MethodPost, "/api/devices/control", `{"deviceId":"mower-1","action":"start","value":30}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), `"upstreamStatus":409`)

	f.commands.fail(command.ErrUnknownAction)
	resp, _ = f.do(t, http.MethodPost, "/api/devices/control", `{"deviceId":"mower-1","action":"fly"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevicesWithoutLocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.devices.fail(device.ErrNoLocation)
	resp, _ := f.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRename(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodPatch, "/api/devices/svc-1/name", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := f.do(t, http.MethodPatch, "/api/devices/svc-1/name", `{"name":"Front lawn"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"svc-1","name":"Front lawn"}`, string(body))
	assert.Equal(t, 1, f.devices.invalidations())
}

func TestTokenRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")

	resp, _ := f.do(t, http.MethodGet, "/api/schedules", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, _ = f.do(t, http.MethodGet, "/api/schedules?token=secret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	r2, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	_ = r2.Body.Close()
	assert.Equal(t, http.StatusOK, r2.StatusCode)
}

func TestHealthReportsRelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "secret")
	resp, body := f.do(t, http.MethodGet, "/healthz?token=secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","relay":"connected"}`, string(body))
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Relay: fakeRelay{}}, logx.Nop())
	s.Start(context.Background())

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.Supervisor())
}

func TestServiceReconfigureRestartsListener(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Relay: fakeRelay{}, Metrics: metrics}, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	s.Reconfigure(context.Background(), Config{Addr: "127.0.0.1:0", Token: "fresh"})

	status := func(query string) int {
		addr := s.Addr()
		if addr == "" {
			return 0
		}
		resp, err := http.Get("http://" + addr + "/metrics" + query)
		if err != nil {
			return 0
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	require.Eventually(t, func() bool { return status("") == http.StatusUnauthorized }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusOK, status("?token=fresh"))

	// Same config again is a no-op.
	sup := s.Supervisor()
	s.Reconfigure(context.Background(), Config{Addr: "127.0.0.1:0", Token: "fresh"})
	assert.Same(t, sup, s.Supervisor())
}

func TestLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9":        true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
