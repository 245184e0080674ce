// Package engine is the solution-submission consensus engine: it turns an
// agent's solution upload into a time-boxed voting round, tallies the votes,
// updates the reward ledger and enforces the per-instance reward budget.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Valgeir99/distributed-optimization-solver/internal/config"
	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
	"github.com/Valgeir99/distributed-optimization-solver/internal/events"
	"github.com/Valgeir99/distributed-optimization-solver/internal/repo"
	"github.com/Valgeir99/distributed-optimization-solver/internal/storage"
)

// ErrInstanceInactive means the problem instance no longer accepts
// submissions; its reward budget has been spent.
var ErrInstanceInactive = errors.New("problem instance is not active")

// Engine coordinates agents, problem instances and validation phases over
// the SQLite ledger. One engine instance runs per process; it is constructed
// explicitly and passed by reference to the API layer and to every phase
// monitor, never held in package state.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Store  *storage.Store
	Config *config.Config
	Log    *slog.Logger
	Now    func() time.Time

	// ValidationDuration overrides the configured voting window when set.
	// Tests use it to run whole phases in milliseconds.
	ValidationDuration time.Duration
}

func New(db *sql.DB, store *storage.Store, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Store:  store,
		Config: cfg,
		Log:    slog.Default(),
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Clock returns the engine's current time, honoring an injected Now.
func (e *Engine) Clock() time.Time { return e.now() }

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) validationDuration() time.Duration {
	if e.ValidationDuration > 0 {
		return e.ValidationDuration
	}
	return e.Config.ValidationDuration()
}

// RegisterAgent assigns the next platform agent id and records it. The id
// sequence is derived from the agents table inside the insert transaction;
// immediate-mode transactions serialize concurrent registrations on the
// write lock, so the count cannot go stale between read and insert.
func (e *Engine) RegisterAgent(ctx context.Context) (domain.Agent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.CountAgentsTx(ctx, tx)
	if err != nil {
		return domain.Agent{}, err
	}
	a := domain.Agent{
		ID:           fmt.Sprintf("agent_%d", n+1),
		RegisteredAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", "", "agent", a.ID, a.ID, nil); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// AddInstance registers a problem instance with its reward budget. The
// instance file itself is expected to already exist at fileLocation;
// ingesting its contents is the loader's job, not the engine's.
func (e *Engine) AddInstance(ctx context.Context, name, description, fileLocation string, rewardBudget int) (domain.ProblemInstance, error) {
	if name == "" {
		return domain.ProblemInstance{}, errors.New("instance name is required")
	}
	if fileLocation == "" {
		return domain.ProblemInstance{}, errors.New("instance file location is required")
	}
	if rewardBudget <= 0 {
		return domain.ProblemInstance{}, errors.New("reward budget must be positive")
	}
	p := domain.ProblemInstance{
		Name:         name,
		Description:  description,
		FileLocation: fileLocation,
		Active:       true,
		RewardBudget: rewardBudget,
	}
	if err := e.Repo.InsertInstance(ctx, p); err != nil {
		return domain.ProblemInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	return p, nil
}

// InstancePool returns up to Config.Platform.PoolSize random active
// instances. An empty pool is a normal result.
func (e *Engine) InstancePool(ctx context.Context) ([]domain.ProblemInstance, error) {
	return e.Repo.GetRandomActivePool(ctx, e.Config.Platform.PoolSize)
}

// InstanceData returns the instance metadata together with the problem file
// contents for an agent to download.
func (e *Engine) InstanceData(ctx context.Context, name string) (domain.ProblemInstance, string, error) {
	p, err := e.Repo.GetInstance(ctx, name)
	if err != nil {
		return p, "", err
	}
	data, err := os.ReadFile(p.FileLocation)
	if err != nil {
		return p, "", fmt.Errorf("read instance file %s: %w", p.FileLocation, err)
	}
	return p, string(data), nil
}

// BestSolution returns the current best payload for an instance.
func (e *Engine) BestSolution(ctx context.Context, instanceName string) (domain.BestSolutionRecord, string, error) {
	rec, err := e.Repo.GetBestSolution(ctx, instanceName)
	if err != nil {
		return rec, "", err
	}
	data, err := e.Store.ReadBest(instanceName)
	if err != nil {
		return rec, "", fmt.Errorf("read best solution for %s: %w", instanceName, err)
	}
	return rec, data, nil
}

// Upload persists a new solution submission, stores its payload out of line
// and starts the validation phase. The phase monitor is fire-and-forget: the
// caller gets the submission back immediately and the phase runs to its
// deadline (or early budget termination) on its own goroutine.
func (e *Engine) Upload(ctx context.Context, instanceName, agentID, solutionData string, claimedObjective float64) (domain.SolutionSubmission, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.SolutionSubmission{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	active, err := e.Repo.IsActive(ctx, instanceName)
	if err != nil {
		return domain.SolutionSubmission{}, fmt.Errorf("instance %s: %w", instanceName, err)
	}
	if !active {
		return domain.SolutionSubmission{}, ErrInstanceInactive
	}

	now := e.now()
	endTime := now.Add(e.validationDuration())
	sub := domain.SolutionSubmission{
		ID:                  uuid.New().String(),
		ProblemInstanceName: instanceName,
		SubmitterAgentID:    agentID,
		SubmissionTime:      domain.FormatTime(now),
		ValidationEndTime:   domain.FormatTime(endTime),
		ClaimedObjective:    claimedObjective,
	}
	solPath, err := e.Store.WriteActive(sub.ID, solutionData)
	if err != nil {
		return domain.SolutionSubmission{}, err
	}
	sub.SolutionFilePath = &solPath

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Store.RemoveActive(sub.ID)
		return domain.SolutionSubmission{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubmissionTx(ctx, tx, sub); err != nil {
		e.Store.RemoveActive(sub.ID)
		return domain.SolutionSubmission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "submission.created", instanceName, "submission", sub.ID, agentID, events.EventPayload{
		"claimed_objective":   claimedObjective,
		"validation_end_time": sub.ValidationEndTime,
	}); err != nil {
		e.Store.RemoveActive(sub.ID)
		return domain.SolutionSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		e.Store.RemoveActive(sub.ID)
		return domain.SolutionSubmission{}, err
	}

	go e.runValidationPhase(sub.ID, instanceName, endTime)
	e.log().Info("validation phase started",
		"submission", sub.ID, "instance", instanceName, "agent", agentID, "ends", sub.ValidationEndTime)
	return sub, nil
}

// GetSubmissionStatus returns the submission as persisted. After finalize
// the result is immutable, so repeated reads are identical.
func (e *Engine) GetSubmissionStatus(ctx context.Context, submissionID string) (domain.SolutionSubmission, error) {
	return e.Repo.GetSubmission(ctx, submissionID)
}

// RequestSolutionToValidate offers the agent the oldest open submission it
// is allowed to vote on, together with the payload to check. found=false
// with a nil error means nothing is available right now, which is a normal
// outcome, not a failure.
func (e *Engine) RequestSolutionToValidate(ctx context.Context, instanceName, agentID string) (sub domain.SolutionSubmission, data string, found bool, err error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.SolutionSubmission{}, "", false, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if _, err := e.Repo.GetInstance(ctx, instanceName); err != nil {
		return domain.SolutionSubmission{}, "", false, fmt.Errorf("instance %s: %w", instanceName, err)
	}
	sub, err = e.Repo.SelectForValidation(ctx, instanceName, agentID, e.now())
	if errors.Is(err, repo.ErrNotFound) {
		return domain.SolutionSubmission{}, "", false, nil
	}
	if err != nil {
		return domain.SolutionSubmission{}, "", false, err
	}
	data, err = e.Store.ReadActive(sub.ID)
	if err != nil {
		return domain.SolutionSubmission{}, "", false, fmt.Errorf("read payload for %s: %w", sub.ID, err)
	}
	return sub, data, true, nil
}

// SubmitVote records a validator's response and grants the validation
// reward. Conflicts (own submission, double vote, already finalized) surface
// as the repo's sentinel errors; a vote racing the finalize transaction is
// either counted or rejected, never dropped or double-counted.
func (e *Engine) SubmitVote(ctx context.Context, submissionID, agentID string, response bool, claimedObjective float64) (int, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return 0, fmt.Errorf("agent %s: %w", agentID, err)
	}
	reward := e.Config.Platform.ValidationReward

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	vote := domain.ValidationVote{
		SubmissionID:     submissionID,
		ValidatorAgentID: agentID,
		Response:         response,
		ClaimedObjective: claimedObjective,
		Reward:           reward,
		CreatedAt:        domain.FormatTime(e.now()),
	}
	instanceName, err := e.Repo.RecordVoteTx(ctx, tx, vote)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "vote.recorded", instanceName, "submission", submissionID, agentID, events.EventPayload{
		"response":          response,
		"claimed_objective": claimedObjective,
		"reward":            reward,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return reward, nil
}
