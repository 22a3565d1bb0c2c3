package update

import "encoding/json"

// Type tags a server update and selects its dispatch path.
type Type string

const (
	// TypeRequestForTimeline asks the agent to report stored timelines back.
	TypeRequestForTimeline Type = "RequestForTimeline"

	// TypeTimeline replaces the stored timeline content wholesale.
	TypeTimeline Type = "Timeline"

	// TypeTimelinePartial pushes handlers for immediate execution without
	// touching the stored timeline.
	TypeTimelinePartial Type = "TimelinePartial"

	// TypeHealth delivers a health snapshot to persist locally.
	TypeHealth Type = "Health"
)

// Envelope is one server response to a poll. The payload shape depends on
// the type, so it stays raw until the dispatch path decodes it.
type Envelope struct {
	Type   Type            `json:"Type"`
	Update json.RawMessage `json:"Update"`
}

// TimelineRequest is the payload of a RequestForTimeline update. An empty or
// unmatched id means "report everything".
type TimelineRequest struct {
	TimelineId string `json:"TimelineId"`
}
