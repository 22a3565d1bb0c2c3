// Package timeline models the instruction sets the control server issues to
// an agent: a timeline is an identified, ordered group of handlers, each
// carrying the events one automation channel should execute. Beyond the
// trackable id, event fields are opaque to the agent and must survive a
// decode/encode round-trip untouched.
package timeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Timeline is a named instruction set issued by the server.
type Timeline struct {
	Id       string            `json:"Id"`
	Handlers []TimelineHandler `json:"Handlers"`
}

// TimelineHandler groups the events destined for one automation channel.
type TimelineHandler struct {
	HandlerType string          `json:"HandlerType"`
	Events      []TimelineEvent `json:"Events"`
}

// TimelineEvent is one instruction. Only the trackable id is interpreted
// here; every other field is carried verbatim so the automation worker sees
// exactly what the server sent.
type TimelineEvent struct {
	TrackableId string
	Extra       map[string]json.RawMessage
}

// UnmarshalJSON lifts TrackableId out of the event object and keeps the
// remaining fields raw.
func (e *TimelineEvent) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields["TrackableId"]; ok {
		if err := json.Unmarshal(raw, &e.TrackableId); err != nil {
			return fmt.Errorf("parse TrackableId: %w", err)
		}
		delete(fields, "TrackableId")
	}
	if len(fields) == 0 {
		fields = nil
	}
	e.Extra = fields
	return nil
}

// MarshalJSON re-joins TrackableId with the preserved raw fields.
func (e TimelineEvent) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.Extra)+1)
	for k, v := range e.Extra {
		fields[k] = v
	}
	if e.TrackableId != "" {
		id, err := json.Marshal(e.TrackableId)
		if err != nil {
			return nil, err
		}
		fields["TrackableId"] = id
	}
	return json.Marshal(fields)
}

// EnsureTrackableIDs assigns a fresh UUID to every event that lacks one and
// returns how many were assigned. Events that already carry an id keep it.
func EnsureTrackableIDs(t *Timeline) int {
	if t == nil {
		return 0
	}

	assigned := 0
	for hi := range t.Handlers {
		events := t.Handlers[hi].Events
		for ei := range events {
			if events[ei].TrackableId == "" {
				events[ei].TrackableId = uuid.NewString()
				assigned++
			}
		}
	}
	return assigned
}
