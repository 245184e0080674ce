// Package dossdk is a minimal HTTP client for agents talking to the
// distributed optimization solver platform.
package dossdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one platform node. Register first; the returned token
// authenticates every later call.
type Client struct {
	BaseURL     string
	AgentID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instance represents a problem instance in the active pool.
type Instance struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Active            bool   `json:"active"`
	RewardBudget      int    `json:"reward_budget"`
	RewardAccumulated int    `json:"reward_accumulated"`
}

// InstanceData bundles instance metadata with the problem data payload.
type InstanceData struct {
	Instance Instance `json:"instance"`
	Data     string   `json:"data"`
}

// BestSolution is the current best accepted solution for an instance.
type BestSolution struct {
	ProblemInstanceName string `json:"problem_instance_name"`
	SubmissionID        string `json:"submission_id"`
	Data                string `json:"data"`
}

// Submission is the API view of a solution submission.
type Submission struct {
	ID                  string   `json:"id"`
	ProblemInstanceName string   `json:"problem_instance_name"`
	SubmitterAgentID    string   `json:"submitter_agent_id"`
	SubmissionTime      string   `json:"submission_time"`
	ValidationEndTime   string   `json:"validation_end_time"`
	ClaimedObjective    float64  `json:"claimed_objective"`
	Open                bool     `json:"open"`
	Accepted            *bool    `json:"accepted,omitempty"`
	FinalObjective      *float64 `json:"final_objective,omitempty"`
	RewardAccumulated   int      `json:"reward_accumulated"`
	AcceptedCount       int      `json:"accepted_count"`
	RejectedCount       int      `json:"rejected_count"`
}

// ValidationWork is a submission handed out for validation. Found is false
// when nothing is waiting for this agent.
type ValidationWork struct {
	Found        bool        `json:"found"`
	Submission   *Submission `json:"submission,omitempty"`
	SolutionData string      `json:"solution_data,omitempty"`
}

// VoteReceipt confirms a recorded vote and the reward it earned.
type VoteReceipt struct {
	SubmissionID string `json:"submission_id"`
	Reward       int    `json:"reward"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register obtains an agent id and bearer token, storing both on the client.
func (c *Client) Register(ctx context.Context) (string, error) {
	var resp struct {
		AgentID      string `json:"agent_id"`
		RegisteredAt string `json:"registered_at"`
		Token        string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/agents", nil, &resp); err != nil {
		return "", err
	}
	c.AgentID = resp.AgentID
	c.BearerToken = resp.Token
	return resp.AgentID, nil
}

// InstancePool lists active problem instances the agent may work on.
func (c *Client) InstancePool(ctx context.Context) ([]Instance, error) {
	var resp []Instance
	err := c.do(ctx, http.MethodGet, "v0/instances", nil, &resp)
	return resp, err
}

// InstanceData downloads a problem instance and its data file.
func (c *Client) InstanceData(ctx context.Context, name string) (InstanceData, error) {
	var resp InstanceData
	endpoint := fmt.Sprintf("v0/instances/%s", url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// BestSolution fetches the best accepted solution for an instance.
func (c *Client) BestSolution(ctx context.Context, name string) (BestSolution, error) {
	var resp BestSolution
	endpoint := fmt.Sprintf("v0/instances/%s/solution", url.PathEscape(name))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UploadSolution submits a solution and starts its validation phase.
func (c *Client) UploadSolution(ctx context.Context, instanceName, solutionData string, claimedObjective float64) (Submission, error) {
	body := map[string]any{
		"solution_data":     solutionData,
		"claimed_objective": claimedObjective,
	}
	var resp Submission
	endpoint := fmt.Sprintf("v0/instances/%s/solutions", url.PathEscape(instanceName))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmissionStatus fetches a submission by id.
func (c *Client) SubmissionStatus(ctx context.Context, id string) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("v0/solutions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestValidation asks for a submission to validate on an instance.
func (c *Client) RequestValidation(ctx context.Context, instanceName string) (ValidationWork, error) {
	var resp ValidationWork
	endpoint := fmt.Sprintf("v0/instances/%s/validate", url.PathEscape(instanceName))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitVote records this agent's accept/reject vote on a submission.
func (c *Client) SubmitVote(ctx context.Context, submissionID string, accept bool, claimedObjective float64) (VoteReceipt, error) {
	body := map[string]any{
		"response":          accept,
		"claimed_objective": claimedObjective,
	}
	var resp VoteReceipt
	endpoint := fmt.Sprintf("v0/solutions/%s/votes", url.PathEscape(submissionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
