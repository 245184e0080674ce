package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
)

// Repo is the data access layer over the SQLite ledger. It is the single
// source of truth: no component keeps a parallel in-memory registry of
// agents, instances, submissions or votes.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyValidated means the (submission, validator) pair already
	// has a vote.
	ErrAlreadyValidated = errors.New("agent already validated this submission")
	// ErrOwnSubmission means an agent tried to vote on its own submission.
	ErrOwnSubmission = errors.New("agent cannot validate its own submission")
	// ErrAlreadyFinalized means the submission's accepted flag is set.
	ErrAlreadyFinalized = errors.New("submission already finalized")
)

// --- agents ---

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,registered_at) VALUES (?,?)`, a.ID, a.RegisteredAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	err := r.DB.QueryRowContext(ctx, `SELECT id,registered_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) CountAgentsTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM agents`).Scan(&n)
	return n, err
}

func (r Repo) CountAgents(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM agents`).Scan(&n)
	return n, err
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,registered_at FROM agents ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.RegisteredAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- problem instances / reward ledger ---

func scanInstance(row *sql.Row) (domain.ProblemInstance, error) {
	var p domain.ProblemInstance
	var desc sql.NullString
	err := row.Scan(&p.Name, &desc, &p.FileLocation, &p.Active, &p.RewardBudget, &p.RewardAccumulated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) InsertInstance(ctx context.Context, p domain.ProblemInstance) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO problem_instances(name,description,file_location,active,reward_budget,reward_accumulated) VALUES (?,?,?,?,?,?)`,
		p.Name, nullable(p.Description), p.FileLocation, p.Active, p.RewardBudget, p.RewardAccumulated)
	return err
}

func (r Repo) GetInstance(ctx context.Context, name string) (domain.ProblemInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT name,description,file_location,active,reward_budget,reward_accumulated FROM problem_instances WHERE name=?`, name))
}

func (r Repo) ListInstances(ctx context.Context) ([]domain.ProblemInstance, error) {
	return r.queryInstances(ctx, `SELECT name,description,file_location,active,reward_budget,reward_accumulated FROM problem_instances ORDER BY name ASC`)
}

// GetRandomActivePool returns up to n active instances chosen uniformly at
// random. An empty pool is returned as an empty slice, not an error.
func (r Repo) GetRandomActivePool(ctx context.Context, n int) ([]domain.ProblemInstance, error) {
	return r.queryInstances(ctx, `SELECT name,description,file_location,active,reward_budget,reward_accumulated FROM problem_instances WHERE active=1 ORDER BY RANDOM() LIMIT ?`, n)
}

func (r Repo) queryInstances(ctx context.Context, query string, args ...any) ([]domain.ProblemInstance, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ProblemInstance{}
	for rows.Next() {
		var p domain.ProblemInstance
		var desc sql.NullString
		if err := rows.Scan(&p.Name, &desc, &p.FileLocation, &p.Active, &p.RewardBudget, &p.RewardAccumulated); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// IsActive reports whether the instance accepts new submissions.
func (r Repo) IsActive(ctx context.Context, name string) (bool, error) {
	var active bool
	err := r.DB.QueryRowContext(ctx, `SELECT active FROM problem_instances WHERE name=?`, name).Scan(&active)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return active, err
}

// AccrueRewardTx atomically adds amount to the instance's accumulated reward
// and, in the same statement, flips the instance inactive once the budget is
// met. This is the only place budget-triggered deactivation happens after a
// phase completes, so reward_accumulated can never be read between the add
// and the deactivation.
func (r Repo) AccrueRewardTx(ctx context.Context, tx *sql.Tx, name string, amount int) error {
	res, err := tx.ExecContext(ctx, `UPDATE problem_instances
		SET reward_accumulated = reward_accumulated + ?,
		    active = CASE WHEN reward_accumulated + ? >= reward_budget THEN 0 ELSE active END
		WHERE name=?`, amount, amount, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateInstance permanently flips active to false. The flag is
// monotone; there is no statement anywhere that sets it back to true.
func (r Repo) DeactivateInstance(ctx context.Context, name string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE problem_instances SET active=0 WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckBudgetExceededByInFlight reports whether the posted reward plus the
// provisional reward of all open votes for the instance meets the budget.
// Votes are purged at finalize, so the votes table holds exactly the
// in-flight payouts.
func (r Repo) CheckBudgetExceededByInFlight(ctx context.Context, name string) (bool, error) {
	var exceeded bool
	err := r.DB.QueryRowContext(ctx, `SELECT pi.reward_accumulated + COALESCE((
			SELECT SUM(v.reward) FROM votes v
			JOIN submissions s ON s.id = v.submission_id AND s.accepted IS NULL
			WHERE v.problem_instance_name = pi.name
		),0) >= pi.reward_budget
		FROM problem_instances pi WHERE pi.name=?`, name).Scan(&exceeded)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("budget check for %s: %w", name, err)
	}
	return exceeded, nil
}

// --- best solutions ---

func (r Repo) UpsertBestSolutionTx(ctx context.Context, tx *sql.Tx, b domain.BestSolutionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO best_solutions(problem_instance_name,submission_id,file_location) VALUES (?,?,?)
ON CONFLICT(problem_instance_name) DO UPDATE SET submission_id=excluded.submission_id, file_location=excluded.file_location`,
		b.ProblemInstanceName, b.SubmissionID, b.FileLocation)
	return err
}

func (r Repo) GetBestSolution(ctx context.Context, instanceName string) (domain.BestSolutionRecord, error) {
	var b domain.BestSolutionRecord
	err := r.DB.QueryRowContext(ctx, `SELECT problem_instance_name,submission_id,file_location FROM best_solutions WHERE problem_instance_name=?`, instanceName).
		Scan(&b.ProblemInstanceName, &b.SubmissionID, &b.FileLocation)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
