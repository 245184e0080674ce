package server

import (
	"encoding/json"

	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
)

// Request payloads

type UploadSolutionRequest struct {
	SolutionData     string  `json:"solution_data"`
	ClaimedObjective float64 `json:"claimed_objective"`
}

type SubmitVoteRequest struct {
	Response         bool    `json:"response"`
	ClaimedObjective float64 `json:"claimed_objective"`
}

// Response payloads

type RegisterAgentResponse struct {
	AgentID      string `json:"agent_id"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
	Token        string `json:"token"`
}

type InstanceResponse struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Active            bool   `json:"active"`
	RewardBudget      int    `json:"reward_budget"`
	RewardAccumulated int    `json:"reward_accumulated"`
}

type InstanceDataResponse struct {
	Instance InstanceResponse `json:"instance"`
	Data     string           `json:"data"`
}

type BestSolutionResponse struct {
	ProblemInstanceName string `json:"problem_instance_name"`
	SubmissionID        string `json:"submission_id"`
	Data                string `json:"data"`
}

type SubmissionResponse struct {
	ID                  string   `json:"id"`
	ProblemInstanceName string   `json:"problem_instance_name"`
	SubmitterAgentID    string   `json:"submitter_agent_id"`
	SubmissionTime      string   `json:"submission_time" format:"date-time"`
	ValidationEndTime   string   `json:"validation_end_time" format:"date-time"`
	ClaimedObjective    float64  `json:"claimed_objective"`
	Open                bool     `json:"open"`
	Accepted            *bool    `json:"accepted,omitempty"`
	FinalObjective      *float64 `json:"final_objective,omitempty"`
	RewardAccumulated   int      `json:"reward_accumulated"`
	AcceptedCount       int      `json:"accepted_count"`
	RejectedCount       int      `json:"rejected_count"`
}

type ValidateResponse struct {
	Found        bool                `json:"found"`
	Submission   *SubmissionResponse `json:"submission,omitempty"`
	SolutionData string              `json:"solution_data,omitempty"`
}

type VoteRecordedResponse struct {
	SubmissionID string `json:"submission_id"`
	Reward       int    `json:"reward"`
}

type AgentResponse struct {
	ID           string `json:"id"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts" format:"date-time"`
	Type         string         `json:"type"`
	InstanceName string         `json:"instance_name,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// Conversion helpers

func instanceResponse(in domain.ProblemInstance) InstanceResponse {
	return InstanceResponse{
		Name:              in.Name,
		Description:       in.Description,
		Active:            in.Active,
		RewardBudget:      in.RewardBudget,
		RewardAccumulated: in.RewardAccumulated,
	}
}

func mapInstances(in []domain.ProblemInstance) []InstanceResponse {
	out := make([]InstanceResponse, 0, len(in))
	for _, it := range in {
		out = append(out, instanceResponse(it))
	}
	return out
}

func submissionResponse(s domain.SolutionSubmission) SubmissionResponse {
	return SubmissionResponse{
		ID:                  s.ID,
		ProblemInstanceName: s.ProblemInstanceName,
		SubmitterAgentID:    s.SubmitterAgentID,
		SubmissionTime:      s.SubmissionTime,
		ValidationEndTime:   s.ValidationEndTime,
		ClaimedObjective:    s.ClaimedObjective,
		Open:                s.Open(),
		Accepted:            s.Accepted,
		FinalObjective:      s.FinalObjective,
		RewardAccumulated:   s.RewardAccumulated,
		AcceptedCount:       s.AcceptedCount,
		RejectedCount:       s.RejectedCount,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		InstanceName: e.InstanceName,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSONMap(e.Payload),
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
