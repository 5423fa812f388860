package item

// Status is an item's position in the enrichment lifecycle.
type Status string

const (
	StatusNew         Status = "new"
	StatusAnalyzing   Status = "analyzing"
	StatusAnalyzed    Status = "analyzed"
	StatusTimeline    Status = "timeline"
	StatusFollowUp    Status = "follow_up"
	StatusProcessed   Status = "processed"
	StatusSoftDeleted Status = "soft_deleted"
)

// Known reports whether s is one of the defined lifecycle statuses.
func (s Status) Known() bool {
	switch s {
	case StatusNew, StatusAnalyzing, StatusAnalyzed, StatusTimeline,
		StatusFollowUp, StatusProcessed, StatusSoftDeleted:
		return true
	}
	return false
}

// Terminal reports whether automated pipelines may still move the item.
// Processed and soft-deleted items are only touched by explicit user actions.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusSoftDeleted
}

// transitions lists the legal moves the pipelines and user actions may apply.
// soft_deleted is reachable from any state and is therefore handled in
// CanTransition rather than listed per state. Every analyzed-like state can
// re-enter analyzing (forced re-analysis), and analyzing can fall back to new
// when a first analysis fails before producing a result.
var transitions = map[Status][]Status{
	StatusNew:       {StatusAnalyzing},
	StatusAnalyzing: {StatusNew, StatusAnalyzed, StatusTimeline, StatusFollowUp, StatusProcessed},
	// Re-analysis through the follow-up pipeline can close the loop or
	// re-open it with a new question.
	StatusFollowUp: {StatusAnalyzing, StatusAnalyzed, StatusTimeline, StatusFollowUp, StatusProcessed},
	StatusAnalyzed: {StatusAnalyzing, StatusProcessed},
	// The manager converts past-dated timeline items into follow-ups.
	StatusTimeline: {StatusAnalyzing, StatusFollowUp, StatusProcessed},
}

// CanTransition reports whether moving an item from one status to another is
// legal. Deletion (soft_deleted) is allowed from every state; no transition
// leaves a terminal state otherwise.
func CanTransition(from, to Status) bool {
	if to == StatusSoftDeleted {
		return true
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
