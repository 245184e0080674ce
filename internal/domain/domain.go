package domain

import "time"

// TimeLayout is the canonical encoding for timestamps in the ledger. The
// fixed-width fractional part keeps lexicographic order equal to
// chronological order, which the open-submission queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime encodes a timestamp for storage, always in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a ledger timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type Agent struct {
	ID           string `json:"id"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
}

type ProblemInstance struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	FileLocation      string `json:"file_location"`
	Active            bool   `json:"active"`
	RewardBudget      int    `json:"reward_budget"`
	RewardAccumulated int    `json:"reward_accumulated"`
}

// SolutionSubmission is one agent's claim of an improved solution. Accepted
// is nil while the validation phase is open and set exactly once on finalize.
type SolutionSubmission struct {
	ID                  string   `json:"id"`
	ProblemInstanceName string   `json:"problem_instance_name"`
	SubmitterAgentID    string   `json:"submitter_agent_id"`
	SubmissionTime      string   `json:"submission_time" format:"date-time"`
	ValidationEndTime   string   `json:"validation_end_time" format:"date-time"`
	ClaimedObjective    float64  `json:"claimed_objective"`
	SolutionFilePath    *string  `json:"-"`
	Accepted            *bool    `json:"accepted,omitempty"`
	FinalObjective      *float64 `json:"final_objective,omitempty"`
	RewardAccumulated   int      `json:"reward_accumulated"`
	AcceptedCount       int      `json:"accepted_count"`
	RejectedCount       int      `json:"rejected_count"`
}

// Open reports whether the submission's validation phase has not finalized.
func (s SolutionSubmission) Open() bool { return s.Accepted == nil }

type ValidationVote struct {
	SubmissionID        string  `json:"submission_id"`
	ProblemInstanceName string  `json:"problem_instance_name"`
	ValidatorAgentID    string  `json:"validator_agent_id"`
	Response            bool    `json:"response"`
	ClaimedObjective    float64 `json:"claimed_objective"`
	Reward              int     `json:"reward"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
}

type BestSolutionRecord struct {
	ProblemInstanceName string `json:"problem_instance_name"`
	SubmissionID        string `json:"submission_id"`
	FileLocation        string `json:"file_location"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	InstanceName string `json:"instance_name,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}
