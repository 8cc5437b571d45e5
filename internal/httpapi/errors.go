package httpapi

import (
	"context"
	"errors"
	"net/http"

	"gardend/internal/command"
	"gardend/internal/device"
	"gardend/internal/gardena"
	"gardend/internal/recurrence"
	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

type errorBody struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
}

// statusOf maps a domain error onto an HTTP status.
func statusOf(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var reqErr *requestError
	var gwErr *gardena.GatewayError
	var persistErr *schedule.PersistenceError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, body
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, schedule.ErrInvalidRecord),
		errors.Is(err, recurrence.ErrInvalidWindow),
		errors.Is(err, recurrence.ErrNoWeekdays),
		errors.Is(err, recurrence.ErrInvalidClock),
		errors.Is(err, recurrence.ErrInvalidWeekday),
		errors.Is(err, recurrence.ErrInvalidExpr),
		errors.Is(err, command.ErrUnknownAction),
		errors.Is(err, command.ErrNoTarget):
		return http.StatusBadRequest, body
	case errors.As(err, &gwErr):
		body.UpstreamStatus = gwErr.Status
		return http.StatusBadGateway, body
	case errors.Is(err, device.ErrNoLocation):
		return http.StatusBadGateway, body
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError, body
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	default:
		return http.StatusInternalServerError, body
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusOf(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Int("status", status), logx.Err(err))
	} else {
		a.log.Debug("request rejected", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Int("status", status), logx.Err(err))
	}
	writeJSON(w, status, body)
}
