package item

import "testing"

func TestKnown(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusAnalyzing, StatusAnalyzed,
		StatusTimeline, StatusFollowUp, StatusProcessed, StatusSoftDeleted} {
		if !s.Known() {
			t.Errorf("%q should be known", s)
		}
	}
	if Status("error").Known() {
		t.Error("'error' is not a lifecycle status")
	}
	if Status("").Known() {
		t.Error("empty status should not be known")
	}
}

func TestTerminal(t *testing.T) {
	if !StatusProcessed.Terminal() || !StatusSoftDeleted.Terminal() {
		t.Error("processed and soft_deleted are terminal")
	}
	for _, s := range []Status{StatusNew, StatusAnalyzing, StatusAnalyzed, StatusTimeline, StatusFollowUp} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusNew, StatusAnalyzing},
		{StatusAnalyzing, StatusAnalyzed},
		{StatusAnalyzing, StatusTimeline},
		{StatusAnalyzing, StatusFollowUp},
		{StatusAnalyzing, StatusProcessed},
		{StatusTimeline, StatusFollowUp},
		{StatusTimeline, StatusProcessed},
		{StatusFollowUp, StatusAnalyzed},
		{StatusFollowUp, StatusFollowUp},
		{StatusAnalyzed, StatusProcessed},
		// Forced re-analysis re-enters analyzing.
		{StatusAnalyzed, StatusAnalyzing},
		{StatusTimeline, StatusAnalyzing},
		{StatusFollowUp, StatusAnalyzing},
		// A failed first analysis restores the item to new.
		{StatusAnalyzing, StatusNew},
		// Deletion is reachable from everywhere.
		{StatusNew, StatusSoftDeleted},
		{StatusProcessed, StatusSoftDeleted},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusNew, StatusAnalyzed},
		{StatusNew, StatusProcessed},
		{StatusAnalyzed, StatusTimeline},
		{StatusProcessed, StatusAnalyzed},
		{StatusProcessed, StatusNew},
		{StatusSoftDeleted, StatusNew},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be denied", tt.from, tt.to)
		}
	}
}

func TestTimelineEventEmpty(t *testing.T) {
	if !(TimelineEvent{}).Empty() {
		t.Error("zero event should be empty")
	}
	if (TimelineEvent{Location: "somewhere"}).Empty() {
		t.Error("event with a location is not empty")
	}
}

func TestNoteValid(t *testing.T) {
	if (Note{}).Valid() {
		t.Error("empty note should be invalid")
	}
	if !(Note{Text: "hi"}).Valid() || !(Note{ImagePath: "/x.png"}).Valid() {
		t.Error("note with text or image should be valid")
	}
}
