package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hubd/internal/dynamic"
)

var (
	ErrTokenRequired     = errors.New("hub: access token required")
	ErrInvalidTarget     = errors.New("hub: invalid target")
	ErrAuthInvalid       = errors.New("hub: authentication rejected")
	ErrUnexpectedMessage = errors.New("hub: unexpected message")
	ErrNotConnected      = errors.New("hub: not connected")
	ErrSessionClosed     = errors.New("hub: session closed")
	ErrCommandFailed     = errors.New("hub: command failed")
)

const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"
	msgEvent        = "event"
	msgPing         = "ping"
	msgPong         = "pong"

	cmdSubscribeEvents = "subscribe_events"
	cmdCallService     = "call_service"
)

// envelope is the superset of fields carried by inbound messages.
type envelope struct {
	ID        uint64          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// Event is one hub event. Data uses case-folding, permissive records.
type Event struct {
	Type      string
	Origin    string
	TimeFired time.Time
	Data      *dynamic.Record
}

type wireEvent struct {
	EventType string          `json:"event_type"`
	Origin    string          `json:"origin"`
	TimeFired string          `json:"time_fired"`
	Data      json.RawMessage `json:"data"`
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("hub: decode event: %w", err)
	}
	data := dynamic.New(dynamic.IgnoreCase(), dynamic.Permissive())
	if len(w.Data) > 0 && string(w.Data) != "null" {
		if err := data.UnmarshalJSON(w.Data); err != nil {
			return Event{}, fmt.Errorf("hub: decode event data: %w", err)
		}
	}
	fired, _ := time.Parse(time.RFC3339Nano, w.TimeFired)
	return Event{
		Type:      w.EventType,
		Origin:    w.Origin,
		TimeFired: fired,
		Data:      data,
	}, nil
}

func (e envelope) err() error {
	if e.Success == nil || *e.Success {
		return nil
	}
	if e.Error == nil {
		return ErrCommandFailed
	}
	return fmt.Errorf("%w: code=%s message=%q", ErrCommandFailed, e.Error.Code, e.Error.Message)
}
