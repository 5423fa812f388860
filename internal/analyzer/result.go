package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/sift/internal/item"
)

// rawAnalysis mirrors the model's JSON output. Timeline events arrive either
// as a "timeline_events" array or, from older prompt revisions, as a single
// "timeline" object; both are accepted.
type rawAnalysis struct {
	Overview               string              `json:"overview"`
	TimelineEvents         json.RawMessage     `json:"timeline_events"`
	Timeline               json.RawMessage     `json:"timeline"`
	Tags                   []string            `json:"tags"`
	FollowUp               string              `json:"follow_up"`
	ConsumptionTimeMinutes *int                `json:"consumption_time_minutes"`
}

// ParseAnalysis decodes a model response into an Analysis. Markdown code
// fences around the JSON are tolerated.
func ParseAnalysis(content string) (*item.Analysis, error) {
	trimmed := stripFences(content)

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("parsing analysis response: %w", err)
	}

	a := &item.Analysis{
		Overview:               raw.Overview,
		Tags:                   raw.Tags,
		FollowUp:               raw.FollowUp,
		ConsumptionTimeMinutes: raw.ConsumptionTimeMinutes,
	}

	events, err := parseTimeline(raw.TimelineEvents, raw.Timeline)
	if err != nil {
		return nil, err
	}
	a.Timeline = events

	Normalize(a)
	return a, nil
}

func parseTimeline(eventsRaw, legacyRaw json.RawMessage) ([]item.TimelineEvent, error) {
	src := eventsRaw
	if len(src) == 0 || string(src) == "null" {
		src = legacyRaw
	}
	if len(src) == 0 || string(src) == "null" {
		return nil, nil
	}

	switch src[0] {
	case '[':
		var events []item.TimelineEvent
		if err := json.Unmarshal(src, &events); err != nil {
			return nil, fmt.Errorf("parsing timeline events: %w", err)
		}
		return events, nil
	case '{':
		var ev item.TimelineEvent
		if err := json.Unmarshal(src, &ev); err != nil {
			return nil, fmt.Errorf("parsing timeline event: %w", err)
		}
		return []item.TimelineEvent{ev}, nil
	default:
		return nil, fmt.Errorf("unexpected timeline shape: %s", clip(string(src), 40))
	}
}

// Normalize cleans an analysis in place: empty timeline events are dropped,
// tags are trimmed, lowercased and deduplicated, and a whitespace-only
// follow-up question becomes no question at all.
func Normalize(a *item.Analysis) {
	events := a.Timeline[:0]
	for _, ev := range a.Timeline {
		if !ev.Empty() {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		events = nil
	}
	a.Timeline = events

	seen := make(map[string]struct{}, len(a.Tags))
	tags := a.Tags[:0]
	for _, t := range a.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	if len(tags) == 0 {
		tags = nil
	}
	a.Tags = tags

	a.FollowUp = strings.TrimSpace(a.FollowUp)
	a.Overview = strings.TrimSpace(a.Overview)
}

// DeriveStatus maps an analysis onto the item lifecycle: timeline events win
// over a follow-up question, which wins over plain analyzed. The second value
// is the next_step hint stored alongside the status.
func DeriveStatus(a *item.Analysis) (item.Status, string) {
	switch {
	case a != nil && len(a.Timeline) > 0:
		return item.StatusTimeline, "timeline"
	case a != nil && a.FollowUp != "":
		return item.StatusFollowUp, "follow_up"
	default:
		return item.StatusAnalyzed, "done"
	}
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
