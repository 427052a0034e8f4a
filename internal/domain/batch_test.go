package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to BatchStatus
		allowed  bool
	}{
		{BatchDraft, BatchQueued, true},
		{BatchDraft, BatchScheduled, true},
		{BatchScheduled, BatchQueued, true},
		{BatchQueued, BatchProcessing, true},
		{BatchProcessing, BatchPaused, true},
		{BatchPaused, BatchQueued, true},
		{BatchProcessing, BatchCompleted, true},
		{BatchProcessing, BatchFailed, true},
		{BatchQueued, BatchCancelled, true},

		{BatchDraft, BatchProcessing, false},
		{BatchCompleted, BatchQueued, false},
		{BatchCancelled, BatchQueued, false},
		{BatchFailed, BatchProcessing, false},
		{BatchPaused, BatchCompleted, false},
		{BatchQueued, BatchDraft, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestBatchStatusIsTerminal(t *testing.T) {
	terminal := []BatchStatus{BatchCompleted, BatchFailed, BatchCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []BatchStatus{BatchDraft, BatchScheduled, BatchQueued, BatchProcessing, BatchPaused} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCountersSaturated(t *testing.T) {
	tests := []struct {
		name      string
		c         Counters
		total     int
		saturated bool
	}{
		{"all sent", Counters{Sent: 3}, 3, true},
		{"mixed outcomes", Counters{Sent: 1, Failed: 1, Delivered: 1}, 3, true},
		{"redistributed", Counters{Delivered: 2, Bounced: 1}, 3, true},
		{"in flight", Counters{Sent: 2}, 3, false},
		{"zero total never saturates", Counters{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Saturated(tt.total); got != tt.saturated {
				t.Errorf("Saturated(%d) = %v, want %v", tt.total, got, tt.saturated)
			}
		})
	}
}

func TestRecipientStatusIsTerminal(t *testing.T) {
	for _, s := range []RecipientStatus{RecipientSent, RecipientDelivered, RecipientBounced, RecipientComplained, RecipientFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RecipientStatus{RecipientPending, RecipientQueued, RecipientStatus("")} {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}
