package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
)

// ValidationGraceWindow is the minimum remaining voting time a submission
// must have to still be handed out for validation, so a validator is never
// given work that expires under it.
const ValidationGraceWindow = 15 * time.Second

func scanSubmission(scan func(dest ...any) error) (domain.SolutionSubmission, error) {
	var s domain.SolutionSubmission
	var solPath sql.NullString
	var accepted sql.NullBool
	var finalObjective sql.NullFloat64
	err := scan(&s.ID, &s.ProblemInstanceName, &s.SubmitterAgentID, &s.SubmissionTime, &s.ValidationEndTime,
		&s.ClaimedObjective, &solPath, &accepted, &finalObjective, &s.RewardAccumulated, &s.AcceptedCount, &s.RejectedCount)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if solPath.Valid {
		s.SolutionFilePath = &solPath.String
	}
	if accepted.Valid {
		s.Accepted = &accepted.Bool
	}
	if finalObjective.Valid {
		s.FinalObjective = &finalObjective.Float64
	}
	return s, nil
}

const submissionColumns = `id,problem_instance_name,submitter_agent_id,submission_time,validation_end_time,claimed_objective,sol_file_path,accepted,final_objective,reward_accumulated,accepted_count,rejected_count`

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.SolutionSubmission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(`+submissionColumns+`) VALUES (?,?,?,?,?,?,?,NULL,NULL,0,0,0)`,
		s.ID, s.ProblemInstanceName, s.SubmitterAgentID, s.SubmissionTime, s.ValidationEndTime, s.ClaimedObjective, nullableStringPtr(s.SolutionFilePath))
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.SolutionSubmission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.SolutionSubmission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

// GetOpenForInstance returns all submissions whose validation phase has not
// finalized, oldest first.
func (r Repo) GetOpenForInstance(ctx context.Context, instanceName string) ([]domain.SolutionSubmission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE problem_instance_name=? AND accepted IS NULL ORDER BY submission_time ASC, id ASC`, instanceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SolutionSubmission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SelectForValidation picks the submission an agent is offered to vote on:
// the oldest open submission for the instance with at least the grace window
// left, not submitted by the agent and not yet voted on by it. FIFO order so
// no submission starves. ErrNotFound is the normal empty outcome.
func (r Repo) SelectForValidation(ctx context.Context, instanceName, agentID string, now time.Time) (domain.SolutionSubmission, error) {
	cutoff := domain.FormatTime(now.Add(ValidationGraceWindow))
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE problem_instance_name=?
		  AND accepted IS NULL
		  AND submitter_agent_id != ?
		  AND validation_end_time >= ?
		  AND id NOT IN (SELECT submission_id FROM votes WHERE validator_agent_id=?)
		ORDER BY submission_time ASC, id ASC LIMIT 1`,
		instanceName, agentID, cutoff, agentID)
	return scanSubmission(row.Scan)
}

// RecordVoteTx inserts a validation vote and returns the instance the
// submission belongs to. The self-vote, double-vote and already-finalized
// checks run inside the caller's transaction together with the insert, so a
// vote racing a concurrent finalize is either counted or rejected, never
// half-recorded.
func (r Repo) RecordVoteTx(ctx context.Context, tx *sql.Tx, v domain.ValidationVote) (string, error) {
	var submitterID, instanceName string
	var accepted sql.NullBool
	err := tx.QueryRowContext(ctx, `SELECT submitter_agent_id, problem_instance_name, accepted FROM submissions WHERE id=?`, v.SubmissionID).
		Scan(&submitterID, &instanceName, &accepted)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if accepted.Valid {
		return "", ErrAlreadyFinalized
	}
	if submitterID == v.ValidatorAgentID {
		return "", ErrOwnSubmission
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM votes WHERE submission_id=? AND validator_agent_id=?`, v.SubmissionID, v.ValidatorAgentID).Scan(&exists)
	if err == nil {
		return "", ErrAlreadyValidated
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO votes(submission_id,problem_instance_name,validator_agent_id,response,claimed_objective,reward,created_at) VALUES (?,?,?,?,?,?,?)`,
		v.SubmissionID, instanceName, v.ValidatorAgentID, v.Response, v.ClaimedObjective, v.Reward, v.CreatedAt)
	return instanceName, err
}

// ListVotesTx reads all votes for a submission inside the caller's
// transaction, so finalize tallies against the transaction's snapshot.
func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, submissionID string) ([]domain.ValidationVote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT submission_id,problem_instance_name,validator_agent_id,response,claimed_objective,reward,created_at FROM votes WHERE submission_id=? ORDER BY created_at ASC, validator_agent_id ASC`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationVote
	for rows.Next() {
		var v domain.ValidationVote
		if err := rows.Scan(&v.SubmissionID, &v.ProblemInstanceName, &v.ValidatorAgentID, &v.Response, &v.ClaimedObjective, &v.Reward, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// FinalizeSubmissionTx writes the terminal state of a submission. The
// accepted column transitions from NULL exactly once: the guarded UPDATE is
// the compare-and-swap that makes concurrent finalize attempts resolve to a
// single winner. Votes are purged and the transient payload reference
// cleared in the same transaction.
func (r Repo) FinalizeSubmissionTx(ctx context.Context, tx *sql.Tx, id string, accepted bool, finalObjective *float64, reward, acceptedCount, rejectedCount int) error {
	res, err := tx.ExecContext(ctx, `UPDATE submissions
		SET accepted=?, final_objective=?, reward_accumulated=?, accepted_count=?, rejected_count=?, sol_file_path=NULL
		WHERE id=? AND accepted IS NULL`,
		accepted, nullableFloatPtr(finalObjective), reward, acceptedCount, rejectedCount, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyFinalized
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE submission_id=?`, id); err != nil {
		return err
	}
	return nil
}

// ForceRejectSubmission is the out-of-transaction fail-safe: deny by default
// so a submission never stays open forever after a failed finalize. It is a
// no-op if the submission was finalized in the meantime.
func (r Repo) ForceRejectSubmission(ctx context.Context, id string) error {
	if _, err := r.DB.ExecContext(ctx, `UPDATE submissions SET accepted=0, sol_file_path=NULL WHERE id=? AND accepted IS NULL`, id); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM votes WHERE submission_id=?`, id)
	return err
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
