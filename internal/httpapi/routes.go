package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"gardend/internal/command"
	"gardend/internal/device"
	"gardend/internal/httpauth"
	"gardend/internal/relay"
	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

// Schedules is the schedule store as seen by the API.
type Schedules interface {
	List(ctx context.Context) ([]schedule.Record, error)
	Add(ctx context.Context, rec schedule.Record) (schedule.Record, error)
	Toggle(ctx context.Context, id string, enabled bool) (schedule.Record, error)
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context) (int, error)
	RemoveByDevice(ctx context.Context, deviceID string) (int, error)
	SetEnabledAll(ctx context.Context, enabled bool) (int, error)
	SetEnabledByDevice(ctx context.Context, deviceID string, enabled bool) (int, error)
}

type Planner interface {
	NextInvocation(deviceID string, now time.Time) (time.Time, bool)
}

type Devices interface {
	Devices(ctx context.Context) ([]device.Device, error)
	Invalidate()
}

type Commander interface {
	Dispatch(ctx context.Context, req command.Request) error
}

type Renamer interface {
	RenameService(ctx context.Context, serviceID, name string) error
}

type RelayStatus interface {
	State() relay.State
}

// Deps are the collaborators behind the routes. Nil handlers leave their
// route unmounted.
type Deps struct {
	Schedules Schedules
	Planner   Planner
	Devices   Devices
	Commands  Commander
	Renamer   Renamer
	Relay     RelayStatus

	Live    http.Handler // authenticates on its own
	Metrics http.Handler
	Health  func() any

	Now func() time.Time
}

const maxBody = 1 << 20

type api struct {
	deps Deps
	log  logx.Logger
}

func routes(cfg Config, deps Deps, log logx.Logger) *http.ServeMux {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	a := &api{deps: deps, log: log}
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(cfg.Token, h))
	}

	if deps.Schedules != nil {
		handle("GET /api/schedules", a.listSchedules)
		handle("POST /api/schedules", a.addSchedule)
		handle("PATCH /api/schedules/{id}/toggle", a.toggleSchedule)
		handle("DELETE /api/schedules/{id}", a.removeSchedule)
		handle("DELETE /api/schedules/all", a.removeAll)
		handle("DELETE /api/schedules/device/{deviceId}", a.removeByDevice)
		handle("PATCH /api/schedules/all/enable", a.setAll(true))
		handle("PATCH /api/schedules/all/disable", a.setAll(false))
		handle("PATCH /api/schedules/device/{deviceId}/enable", a.setDevice(true))
		handle("PATCH /api/schedules/device/{deviceId}/disable", a.setDevice(false))
	}
	if deps.Planner != nil {
		handle("GET /api/schedules/next/{deviceId}", a.nextInvocation)
	}
	if deps.Devices != nil {
		handle("GET /api/devices", a.listDevices)
	}
	if deps.Commands != nil {
		handle("POST /api/devices/control", a.control)
	}
	if deps.Renamer != nil {
		handle("PATCH /api/devices/{serviceId}/name", a.rename)
	}
	if deps.Live != nil {
		mux.Handle("GET /ws", deps.Live)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", authed(cfg.Token, deps.Metrics))
	}
	mux.HandleFunc("GET /healthz", a.health)
	return mux
}

func authed(token string, h http.Handler) http.Handler { return httpauth.Wrap(token, h) }

func (a *api) listSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := a.deps.Schedules.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []schedule.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type addRequest struct {
	schedule.Record
	Window *schedule.WindowRequest `json:"window,omitempty"`
}

func (a *api) addSchedule(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	rec := req.Record
	if req.Window != nil {
		if err := rec.ApplyWindow(*req.Window); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	out, err := a.deps.Schedules.Add(r.Context(), rec)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *api) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Enabled == nil {
		a.fail(w, r, badRequest("enabled is required"))
		return
	}
	out, err := a.deps.Schedules.Toggle(r.Context(), r.PathValue("id"), *req.Enabled)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) removeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Schedules.Remove(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) removeAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Schedules.RemoveAll(r.Context())
	a.count(w, r, n, err)
}

func (a *api) removeByDevice(w http.ResponseWriter, r *http.Request) {
	n, err := a.deps.Schedules.RemoveByDevice(r.Context(), r.PathValue("deviceId"))
	a.count(w, r, n, err)
}

func (a *api) setAll(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := a.deps.Schedules.SetEnabledAll(r.Context(), enabled)
		a.count(w, r, n, err)
	}
}

func (a *api) setDevice(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := a.deps.Schedules.SetEnabledByDevice(r.Context(), r.PathValue("deviceId"), enabled)
		a.count(w, r, n, err)
	}
}

func (a *api) count(w http.ResponseWriter, r *http.Request, n int, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"affected": n})
}

func (a *api) nextInvocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deviceId")
	resp := struct {
		DeviceID string     `json:"deviceId"`
		Next     *time.Time `json:"next"`
	}{DeviceID: id}
	if next, ok := a.deps.Planner.NextInvocation(id, a.deps.Now()); ok {
		resp.Next = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		a.deps.Devices.Invalidate()
	}
	devs, err := a.deps.Devices.Devices(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if devs == nil {
		devs = []device.Device{}
	}
	writeJSON(w, http.StatusOK, devs)
}

func (a *api) control(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string           `json:"deviceId"`
		ServiceID string           `json:"valveServiceId"`
		Action    schedule.Action  `json:"action"`
		Value     schedule.Minutes `json:"value"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := req.Action.CheckMinutes(req.Value); err != nil {
		a.fail(w, r, err)
		return
	}
	cmd := command.Request{
		DeviceID:  req.DeviceID,
		ServiceID: req.ServiceID,
		Action:    req.Action,
		Minutes:   int(req.Value),
	}
	if err := a.deps.Commands.Dispatch(r.Context(), cmd); err != nil {
		a.fail(w, r, err)
		return
	}
	if a.deps.Devices != nil {
		a.deps.Devices.Invalidate()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "target": cmd.Target()})
}

func (a *api) rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		a.fail(w, r, badRequest("name is required"))
		return
	}
	id := r.PathValue("serviceId")
	if err := a.deps.Renamer.RenameService(r.Context(), id, name); err != nil {
		a.fail(w, r, err)
		return
	}
	if a.deps.Devices != nil {
		a.deps.Devices.Invalidate()
	}
	a.log.Info("service renamed", logx.String("service", id), logx.String("name", name))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": name})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if a.deps.Relay != nil {
		resp["relay"] = a.deps.Relay.State().String()
	}
	if a.deps.Health != nil {
		resp["runtime"] = a.deps.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return badRequest("request body is empty")
		}
		return badRequest("malformed json: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
