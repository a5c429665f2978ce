package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/user/r1x/internal/runtime"
	"github.com/user/r1x/internal/types"
)

// Alert is the ALERT tool. It stores a reminder timer for the current chat
// and ends the completion loop.
type Alert struct {
	timers types.TimerStore
}

// NewAlert creates the ALERT tool.
func NewAlert(timers types.TimerStore) *Alert {
	return &Alert{timers: timers}
}

func (a *Alert) Name() string { return "ALERT" }
func (a *Alert) Description() string {
	return "sets a reminder for the user. TOOL_INPUT=[seconds, text], where seconds is relative time in seconds from request to when alert should be provided."
}
func (a *Alert) Example() string { return `[240, "Do the dishes"]` }
func (a *Alert) Terminal() bool  { return true }

// maxAlertSeconds is the longest delay a time.Duration can hold.
const maxAlertSeconds = float64(math.MaxInt64 / int64(time.Second))

type alertInput struct {
	Seconds float64 `json:"seconds"`
	Topic   string  `json:"topic"`
}

// parseAlertInput accepts [seconds, "topic"], [seconds] or
// {"seconds": n, "topic": "..."}.
func parseAlertInput(raw json.RawMessage) (alertInput, error) {
	var in alertInput
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 || len(arr) > 2 {
			return in, fmt.Errorf("expected [seconds, topic], got %s", raw)
		}
		if err := json.Unmarshal(arr[0], &in.Seconds); err != nil {
			return in, fmt.Errorf("parse seconds: %w", err)
		}
		if len(arr) == 2 {
			if err := json.Unmarshal(arr[1], &in.Topic); err != nil {
				return in, fmt.Errorf("parse topic: %w", err)
			}
		}
	} else if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("parse alert input: %w", err)
	}
	if in.Seconds < 0 {
		return in, fmt.Errorf("negative delay %v", in.Seconds)
	}
	if in.Seconds > maxAlertSeconds {
		return in, fmt.Errorf("delay %v out of range", in.Seconds)
	}
	return in, nil
}

func (a *Alert) Execute(ctx context.Context, call runtime.Call) (string, error) {
	if call.ChatKey == "" {
		return "", fmt.Errorf("alert requires a chat")
	}
	in, err := parseAlertInput(call.Input)
	if err != nil {
		return "", err
	}

	now := call.Now
	if now.IsZero() {
		now = time.Now()
	}
	timer := &types.Timer{
		ChatKey:   call.ChatKey,
		TriggerAt: now.Add(time.Duration(in.Seconds * float64(time.Second))),
		Data:      types.TimerData{Topic: in.Topic, RefID: call.MessageID},
	}
	if err := a.timers.Create(ctx, timer); err != nil {
		return "", fmt.Errorf("create timer: %w", err)
	}
	return runtime.AlertConfirmation, nil
}
