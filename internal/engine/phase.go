package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
	"github.com/Valgeir99/distributed-optimization-solver/internal/events"
	"github.com/Valgeir99/distributed-optimization-solver/internal/repo"
)

// ConsistencyFallbackError reports that the finalize transaction failed and
// the deny-by-default fallback ran. FallbackErr is set when even the
// fallback write failed; that submission then needs manual reconciliation.
type ConsistencyFallbackError struct {
	SubmissionID string
	Cause        error
	FallbackErr  error
}

func (e *ConsistencyFallbackError) Error() string {
	if e.FallbackErr != nil {
		return fmt.Sprintf("finalize %s failed (%v); deny-by-default fallback also failed (%v)", e.SubmissionID, e.Cause, e.FallbackErr)
	}
	return fmt.Sprintf("finalize %s failed (%v); submission rejected by default", e.SubmissionID, e.Cause)
}

func (e *ConsistencyFallbackError) Unwrap() error { return e.Cause }

// runValidationPhase is the per-submission monitor. It waits out the voting
// window in budget-check increments and then finalizes exactly once. It
// blocks only on its own sleep, never on another submission's work, and
// transacts on its own pooled connection.
func (e *Engine) runValidationPhase(submissionID, instanceName string, endTime time.Time) {
	ctx := context.Background()
	cadence := e.validationDuration() / 20
	if cadence < 10*time.Millisecond {
		cadence = 10 * time.Millisecond
	}
	for e.now().Before(endTime) {
		time.Sleep(cadence)

		exceeded, err := e.Repo.CheckBudgetExceededByInFlight(ctx, instanceName)
		if err != nil {
			e.log().Error("budget check failed", "instance", instanceName, "submission", submissionID, "error", err)
			continue
		}
		if exceeded {
			// Posted plus in-flight rewards meet the budget: stop the
			// instance now rather than after this phase's deadline. The
			// phase itself still finalizes normally with whatever votes
			// it has collected.
			if err := e.deactivateInstance(ctx, instanceName, "budget exhausted"); err != nil {
				e.log().Error("deactivate instance failed", "instance", instanceName, "error", err)
				continue
			}
			break
		}
	}

	if err := e.Finalize(ctx, submissionID); err != nil && !errors.Is(err, repo.ErrAlreadyFinalized) {
		e.log().Error("validation phase ended with error", "submission", submissionID, "error", err)
	}
}

func (e *Engine) deactivateInstance(ctx context.Context, instanceName, reason string) error {
	if err := e.Repo.DeactivateInstance(ctx, instanceName); err != nil {
		return err
	}
	e.log().Info("problem instance deactivated", "instance", instanceName, "reason", reason)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "instance.deactivated", instanceName, "instance", instanceName, "platform", events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// Finalize converts an open submission into its terminal accepted/rejected
// record, pays out rewards and updates the instance budget, all in one
// transaction. It is safe to call concurrently: exactly one caller commits
// the transition and every other caller gets ErrAlreadyFinalized. If the
// transaction fails for any other reason the submission is rejected by
// default outside the transaction so it can never stay open forever.
func (e *Engine) Finalize(ctx context.Context, submissionID string) error {
	err := e.finalizeTx(ctx, submissionID)
	if err == nil || errors.Is(err, repo.ErrAlreadyFinalized) || errors.Is(err, repo.ErrNotFound) {
		return err
	}

	// A concurrent finalize winning the write race surfaces here as a
	// generic transaction error; report it as the conflict it is instead
	// of force-rejecting an already terminal submission.
	if sub, gerr := e.Repo.GetSubmission(ctx, submissionID); gerr == nil && !sub.Open() {
		return repo.ErrAlreadyFinalized
	}

	fbErr := &ConsistencyFallbackError{SubmissionID: submissionID, Cause: err}
	e.log().Error("finalize transaction failed; rejecting submission by default", "submission", submissionID, "error", err)
	if ferr := e.Repo.ForceRejectSubmission(ctx, submissionID); ferr != nil {
		fbErr.FallbackErr = ferr
		e.log().Error("deny-by-default write failed; manual reconciliation required", "submission", submissionID, "error", ferr)
		return fbErr
	}
	if rerr := e.Store.RemoveActive(submissionID); rerr != nil {
		e.log().Error("remove transient payload failed", "submission", submissionID, "error", rerr)
	}
	return fbErr
}

func (e *Engine) finalizeTx(ctx context.Context, submissionID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sub, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return err
	}
	if !sub.Open() {
		return repo.ErrAlreadyFinalized
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, submissionID)
	if err != nil {
		return err
	}
	agentCount, err := e.Repo.CountAgentsTx(ctx, tx)
	if err != nil {
		return err
	}

	outcome := tallyVotes(sub, votes, agentCount, e.Config.Platform.ConsensusRatio)
	reward := 0
	for _, v := range votes {
		reward += v.Reward
	}
	if outcome.accepted {
		reward += e.Config.Platform.SuccessReward
	}

	// The write-once update runs before the best-file replace: a finalize
	// that loses the race fails here and never touches the published payload.
	if err := e.Repo.FinalizeSubmissionTx(ctx, tx, submissionID, outcome.accepted, outcome.finalObjective, reward, outcome.acceptedCount, outcome.rejectedCount); err != nil {
		return err
	}
	if outcome.accepted {
		bestPath, err := e.Store.PromoteBest(sub.ProblemInstanceName, submissionID)
		if err != nil {
			return err
		}
		if err := e.Repo.UpsertBestSolutionTx(ctx, tx, domain.BestSolutionRecord{
			ProblemInstanceName: sub.ProblemInstanceName,
			SubmissionID:        submissionID,
			FileLocation:        bestPath,
		}); err != nil {
			return err
		}
	}
	if err := e.Repo.AccrueRewardTx(ctx, tx, sub.ProblemInstanceName, reward); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "submission.finalized", sub.ProblemInstanceName, "submission", submissionID, "platform", events.EventPayload{
		"accepted":       outcome.accepted,
		"accepted_count": outcome.acceptedCount,
		"rejected_count": outcome.rejectedCount,
		"reward":         reward,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := e.Store.RemoveActive(submissionID); err != nil {
		e.log().Error("remove transient payload failed", "submission", submissionID, "error", err)
	}
	e.log().Info("validation phase finalized",
		"submission", submissionID, "instance", sub.ProblemInstanceName,
		"accepted", outcome.accepted, "accepted_count", outcome.acceptedCount,
		"rejected_count", outcome.rejectedCount, "reward", reward)
	return nil
}

type tally struct {
	accepted       bool
	acceptedCount  int
	rejectedCount  int
	finalObjective *float64
}

// tallyVotes applies the consensus rule. The acceptance ratio divides by
// every agent that could have voted (all registered agents except the
// submitter), so abstentions count against acceptance. With no eligible
// voters the submission is auto-accepted at its claimed objective: with a
// single agent on the platform no quorum is possible, and rejecting
// everything would deadlock the bootstrap.
func tallyVotes(sub domain.SolutionSubmission, votes []domain.ValidationVote, agentCount int, consensusRatio float64) tally {
	eligible := agentCount - 1
	if eligible <= 0 {
		obj := sub.ClaimedObjective
		return tally{accepted: true, acceptedCount: 1, finalObjective: &obj}
	}

	var t tally
	var allObjectives, acceptObjectives []float64
	for _, v := range votes {
		allObjectives = append(allObjectives, v.ClaimedObjective)
		if v.Response {
			t.acceptedCount++
			acceptObjectives = append(acceptObjectives, v.ClaimedObjective)
		} else {
			t.rejectedCount++
		}
	}
	t.accepted = float64(t.acceptedCount)/float64(eligible) >= consensusRatio
	if t.accepted {
		t.finalObjective = consensusObjective(acceptObjectives)
	} else {
		t.finalObjective = consensusObjective(allObjectives)
	}
	return t
}

// consensusObjective returns the most frequent claimed objective; ties break
// to the smallest value among the most frequent set so the result is
// deterministic. Nil when no votes carried an objective.
func consensusObjective(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	counts := make(map[float64]int, len(values))
	for _, v := range values {
		counts[v]++
	}
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	var mode float64
	found := false
	for v, n := range counts {
		if n != best {
			continue
		}
		if !found || v < mode {
			mode = v
			found = true
		}
	}
	return &mode
}
