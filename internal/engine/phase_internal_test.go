package engine

import (
	"testing"

	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
)

func vote(agent string, accept bool, objective float64) domain.ValidationVote {
	return domain.ValidationVote{ValidatorAgentID: agent, Response: accept, ClaimedObjective: objective}
}

func TestTallyVotesConsensus(t *testing.T) {
	sub := domain.SolutionSubmission{ClaimedObjective: 42}

	cases := []struct {
		name          string
		votes         []domain.ValidationVote
		agentCount    int
		ratio         float64
		wantAccepted  bool
		wantObjective *float64
	}{
		{
			name:          "unanimous accept",
			votes:         []domain.ValidationVote{vote("a2", true, 42), vote("a3", true, 42)},
			agentCount:    3,
			ratio:         0.5,
			wantAccepted:  true,
			wantObjective: f(42),
		},
		{
			name:          "exactly at threshold",
			votes:         []domain.ValidationVote{vote("a2", true, 42), vote("a3", false, 40)},
			agentCount:    3,
			ratio:         0.5,
			wantAccepted:  true,
			wantObjective: f(42),
		},
		{
			name:          "abstentions drag below threshold",
			votes:         []domain.ValidationVote{vote("a2", true, 42)},
			agentCount:    4,
			ratio:         0.5,
			wantAccepted:  false,
			wantObjective: f(42),
		},
		{
			name:          "all reject",
			votes:         []domain.ValidationVote{vote("a2", false, 40), vote("a3", false, 41)},
			agentCount:    3,
			ratio:         0.5,
			wantAccepted:  false,
			wantObjective: f(40), // tie between 40 and 41 breaks to the smaller
		},
		{
			name:          "no votes at all",
			votes:         nil,
			agentCount:    3,
			ratio:         0.5,
			wantAccepted:  false,
			wantObjective: nil,
		},
		{
			name:          "single agent auto accepts",
			votes:         nil,
			agentCount:    1,
			ratio:         0.5,
			wantAccepted:  true,
			wantObjective: f(42),
		},
		{
			name: "accepting majority fixes objective",
			votes: []domain.ValidationVote{
				vote("a2", true, 42), vote("a3", true, 42), vote("a4", true, 41), vote("a5", false, 99),
			},
			agentCount:    5,
			ratio:         0.5,
			wantAccepted:  true,
			wantObjective: f(42),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tallyVotes(sub, tc.votes, tc.agentCount, tc.ratio)
			if got.accepted != tc.wantAccepted {
				t.Fatalf("accepted: got %v want %v", got.accepted, tc.wantAccepted)
			}
			if (got.finalObjective == nil) != (tc.wantObjective == nil) {
				t.Fatalf("objective: got %v want %v", got.finalObjective, tc.wantObjective)
			}
			if got.finalObjective != nil && *got.finalObjective != *tc.wantObjective {
				t.Fatalf("objective: got %v want %v", *got.finalObjective, *tc.wantObjective)
			}
		})
	}
}

func TestConsensusObjectiveMode(t *testing.T) {
	if got := consensusObjective(nil); got != nil {
		t.Fatalf("empty: got %v", *got)
	}
	if got := consensusObjective([]float64{5, 5, 3}); *got != 5 {
		t.Fatalf("plain mode: got %v", *got)
	}
	if got := consensusObjective([]float64{3, 5}); *got != 3 {
		t.Fatalf("tie should break to smallest: got %v", *got)
	}
}

func f(v float64) *float64 { return &v }
