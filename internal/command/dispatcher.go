package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrNoTarget      = errors.New("no target service")
)

// Gateway sends one control command to the vendor cloud.
type Gateway interface {
	SendCommand(ctx context.Context, serviceID, resourceType, command string, extra map[string]any) error
}

// Request is one logical device command.
type Request struct {
	DeviceID  string          `json:"deviceId"`
	ServiceID string          `json:"valveServiceId,omitempty"`
	Action    schedule.Action `json:"action"`
	Minutes   int             `json:"value,omitempty"`
}

// Target is the service the command is addressed to.
func (r Request) Target() string {
	if s := strings.TrimSpace(r.ServiceID); s != "" {
		return s
	}
	return strings.TrimSpace(r.DeviceID)
}

// FromRecord builds the request a schedule fires.
func FromRecord(rec schedule.Record) Request {
	return Request{
		DeviceID:  rec.DeviceID,
		ServiceID: rec.ValveServiceID,
		Action:    rec.Action,
		Minutes:   int(rec.Value),
	}
}

type route struct {
	resource string
	command  string
	seconds  bool
}

var routes = map[schedule.Action]route{
	schedule.ActionStartMow:               {"MOWER_CONTROL", "START_SECONDS_TO_OVERRIDE", true},
	schedule.ActionParkUntilNextTask:      {"MOWER_CONTROL", "PARK_UNTIL_NEXT_TASK", false},
	schedule.ActionParkUntilFurtherNotice: {"MOWER_CONTROL", "PARK_UNTIL_FURTHER_NOTICE", false},
	schedule.ActionStartWater:             {"VALVE_CONTROL", "START_SECONDS_TO_OVERRIDE", true},
	schedule.ActionStopWater:              {"VALVE_CONTROL", "STOP_UNTIL_NEXT_TASK", false},
	schedule.ActionPowerOn:                {"POWER_SOCKET_CONTROL", "START", false},
	schedule.ActionPowerOff:               {"POWER_SOCKET_CONTROL", "STOP", false},
}

// Dispatcher translates logical actions into vendor commands.
type Dispatcher struct {
	gw  Gateway
	log logx.Logger
}

func NewDispatcher(gw Gateway, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{gw: gw, log: log.With(logx.String("comp", "command"))}
}

// Dispatch sends req. Gateway failures are returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	rt, ok := routes[req.Action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	target := req.Target()
	if target == "" {
		return ErrNoTarget
	}
	var extra map[string]any
	if rt.seconds {
		extra = map[string]any{"seconds": req.Minutes * 60}
	}
	if err := d.gw.SendCommand(ctx, target, rt.resource, rt.command, extra); err != nil {
		d.log.Warn("command failed",
			logx.String("service", target),
			logx.String("action", string(req.Action)),
			logx.Err(err),
		)
		return err
	}
	d.log.Info("command sent",
		logx.String("service", target),
		logx.String("action", string(req.Action)),
		logx.String("command", rt.command),
	)
	return nil
}
