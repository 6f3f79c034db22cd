package protocol_test

import (
	"testing"

	"rigd/pkg/protocol"
)

func TestEnumValid(t *testing.T) {
	tests := []struct {
		name  string
		valid func(string) bool
		good  []string
		bad   []string
	}{
		{
			name:  "bead type",
			valid: func(s string) bool { return protocol.BeadType(s).Valid() },
			good:  []string{"issue", "message", "escalation", "merge_request"},
			bad:   []string{"", "bug", "ISSUE"},
		},
		{
			name:  "bead status",
			valid: func(s string) bool { return protocol.BeadStatus(s).Valid() },
			good:  []string{"open", "in_progress", "closed", "failed"},
			bad:   []string{"", "done", "blocked"},
		},
		{
			name:  "priority",
			valid: func(s string) bool { return protocol.Priority(s).Valid() },
			good:  []string{"low", "medium", "high", "critical"},
			bad:   []string{"", "p0", "urgent"},
		},
		{
			name:  "agent role",
			valid: func(s string) bool { return protocol.AgentRole(s).Valid() },
			good:  []string{"polecat", "refinery", "mayor", "witness"},
			bad:   []string{"", "worker", "deacon"},
		},
		{
			name:  "agent status",
			valid: func(s string) bool { return protocol.AgentStatus(s).Valid() },
			good:  []string{"idle", "working", "stalled", "blocked", "dead"},
			bad:   []string{"", "busy", "alive"},
		},
		{
			name:  "review status",
			valid: func(s string) bool { return protocol.ReviewStatus(s).Valid() },
			good:  []string{"pending", "running", "merged", "conflict", "failed"},
			bad:   []string{"", "done", "queued"},
		},
		{
			name:  "event type",
			valid: func(s string) bool { return protocol.EventType(s).Valid() },
			good:  []string{"created", "hooked", "unhooked", "status_changed", "closed", "review_submitted"},
			bad:   []string{"", "deleted", "updated"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, v := range tc.good {
				if !tc.valid(v) {
					t.Errorf("expected %q to be valid", v)
				}
			}
			for _, v := range tc.bad {
				if tc.valid(v) {
					t.Errorf("expected %q to be invalid", v)
				}
			}
		})
	}
}

func TestAgentStatusCanonical(t *testing.T) {
	tests := []struct {
		in, label, want protocol.AgentStatus
	}{
		{protocol.AgentBlocked, protocol.AgentStalled, protocol.AgentStalled},
		{protocol.AgentStalled, protocol.AgentBlocked, protocol.AgentBlocked},
		{protocol.AgentStalled, protocol.AgentStalled, protocol.AgentStalled},
		{protocol.AgentBlocked, "", protocol.DefaultDegradedLabel},
		{protocol.AgentBlocked, protocol.AgentIdle, protocol.DefaultDegradedLabel},
		{protocol.AgentWorking, protocol.AgentBlocked, protocol.AgentWorking},
		{protocol.AgentDead, protocol.AgentStalled, protocol.AgentDead},
	}
	for _, tc := range tests {
		if got := tc.in.Canonical(tc.label); got != tc.want {
			t.Errorf("%q.Canonical(%q) = %q, want %q", tc.in, tc.label, got, tc.want)
		}
	}
}

func TestReviewStatusTerminal(t *testing.T) {
	for _, s := range []protocol.ReviewStatus{protocol.ReviewMerged, protocol.ReviewConflict, protocol.ReviewFailed} {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	for _, s := range []protocol.ReviewStatus{protocol.ReviewPending, protocol.ReviewRunning} {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}
