// Package item defines the shared-item domain model: content types, the
// analysis payload produced by the enrichment pipelines, and the lifecycle
// state machine that governs status transitions.
package item

import "time"

// Type classifies the content a user shared.
type Type string

const (
	TypeText       Type = "text"
	TypeWebURL     Type = "web_url"
	TypeImage      Type = "image"
	TypeVideo      Type = "video"
	TypeAudio      Type = "audio"
	TypeFile       Type = "file"
	TypeScreenshot Type = "screenshot"
)

// NoteType classifies a note attached to an item.
type NoteType string

const (
	NoteContext  NoteType = "context"
	NoteFollowUp NoteType = "follow_up"
)

// TimelineEvent is one real-world occurrence referenced by an item's content.
// All fields are optional; an event with every field empty is meaningless and
// is dropped during normalization.
type TimelineEvent struct {
	Date      string `json:"date,omitempty"`
	Time      string `json:"time,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Principal string `json:"principal,omitempty"`
	Location  string `json:"location,omitempty"`
	Purpose   string `json:"purpose,omitempty"`
}

// Empty reports whether every field of the event is blank.
func (e TimelineEvent) Empty() bool {
	return e.Date == "" && e.Time == "" && e.Duration == "" &&
		e.Principal == "" && e.Location == "" && e.Purpose == ""
}

// Analysis is the structured payload extracted from an item's content.
// Nil on an Item until the first successful analysis.
type Analysis struct {
	Overview               string          `json:"overview"`
	Timeline               []TimelineEvent `json:"timeline_events,omitempty"`
	Tags                   []string        `json:"tags,omitempty"`
	FollowUp               string          `json:"follow_up,omitempty"`
	ConsumptionTimeMinutes *int            `json:"consumption_time_minutes,omitempty"`
}

// Item is the unit of work: one piece of user-shared content moving through
// the enrichment lifecycle.
type Item struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Type         Type      `json:"type"`
	Content      string    `json:"content"`
	Title        string    `json:"title,omitempty"`
	Status       Status    `json:"status"`
	NextStep     string    `json:"next_step,omitempty"`
	IsNormalized bool      `json:"is_normalized"`
	Hidden       bool      `json:"hidden"`
	Analysis     *Analysis `json:"analysis,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Note is a user-supplied annotation attached to an item. At least one of
// Text/ImagePath must be present.
type Note struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text,omitempty"`
	ImagePath string    `json:"image_path,omitempty"`
	NoteType  NoteType  `json:"note_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Valid reports whether the note carries any content.
func (n Note) Valid() bool {
	return n.Text != "" || n.ImagePath != ""
}
