package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Valgeir99/distributed-optimization-solver/internal/config"
	"github.com/Valgeir99/distributed-optimization-solver/internal/db"
	"github.com/Valgeir99/distributed-optimization-solver/internal/domain"
	"github.com/Valgeir99/distributed-optimization-solver/internal/engine"
	"github.com/Valgeir99/distributed-optimization-solver/internal/migrate"
	"github.com/Valgeir99/distributed-optimization-solver/internal/repo"
	"github.com/Valgeir99/distributed-optimization-solver/internal/storage"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Dir    string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	eng := engine.New(conn, store, config.Default())
	eng.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Engine: eng, Ctx: context.Background(), Dir: dir}
}

func (env testEnv) addInstance(t *testing.T, name string, budget int) {
	t.Helper()
	file := filepath.Join(env.Dir, name+".txt")
	if err := os.WriteFile(file, []byte("problem data for "+name), 0o644); err != nil {
		t.Fatalf("write instance file: %v", err)
	}
	if _, err := env.Engine.AddInstance(env.Ctx, name, "test instance", file, budget); err != nil {
		t.Fatalf("add instance: %v", err)
	}
}

func (env testEnv) registerAgents(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		a, err := env.Engine.RegisterAgent(env.Ctx)
		if err != nil {
			t.Fatalf("register agent: %v", err)
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func (env testEnv) waitFinalized(t *testing.T, subID string, within time.Duration) domain.SolutionSubmission {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		s, err := env.Engine.GetSubmissionStatus(env.Ctx, subID)
		if err != nil {
			t.Fatalf("get submission: %v", err)
		}
		if !s.Open() {
			return s
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("submission %s not finalized within %v", subID, within)
	return domain.SolutionSubmission{}
}

func sameSubmission(a, b domain.SolutionSubmission) bool {
	if a.ID != b.ID || a.RewardAccumulated != b.RewardAccumulated ||
		a.AcceptedCount != b.AcceptedCount || a.RejectedCount != b.RejectedCount {
		return false
	}
	if (a.Accepted == nil) != (b.Accepted == nil) {
		return false
	}
	if a.Accepted != nil && *a.Accepted != *b.Accepted {
		return false
	}
	if (a.FinalObjective == nil) != (b.FinalObjective == nil) {
		return false
	}
	if a.FinalObjective != nil && *a.FinalObjective != *b.FinalObjective {
		return false
	}
	return true
}

func TestRegisterAgentAssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	ids := env.registerAgents(t, 3)
	want := []string{"agent_1", "agent_2", "agent_3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("agent %d: got %s want %s", i, ids[i], want[i])
		}
	}
}

func TestConcurrentRegistrationsSerialize(t *testing.T) {
	env := newTestEnv(t)

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := env.Engine.RegisterAgent(env.Ctx)
			ids[i], errs[i] = a.ID, err
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("registration %d failed: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate agent id %s", ids[i])
		}
		seen[ids[i]] = true
	}
	for i := 1; i <= workers; i++ {
		if !seen[fmt.Sprintf("agent_%d", i)] {
			t.Fatalf("missing agent_%d in %v", i, ids)
		}
	}
}

func TestUploadRequiresActiveInstance(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 1)
	if err := env.Engine.Repo.DeactivateInstance(env.Ctx, "tsp_1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour 1 2 3", 42)
	if !errors.Is(err, engine.ErrInstanceInactive) {
		t.Fatalf("got %v, want ErrInstanceInactive", err)
	}
}

func TestUploadUnknownAgentOrInstance(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance(t, "tsp_1", 1000)
	if _, err := env.Engine.Upload(env.Ctx, "tsp_1", "agent_9", "tour", 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown agent: got %v, want ErrNotFound", err)
	}
	ids := env.registerAgents(t, 1)
	if _, err := env.Engine.Upload(env.Ctx, "nope", ids[0], "tour", 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown instance: got %v, want ErrNotFound", err)
	}
}

func TestSingleAgentPhaseAutoAccepts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = 150 * time.Millisecond
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 1)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour 1 2 3", 42)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	final := env.waitFinalized(t, sub.ID, 3*time.Second)

	if final.Accepted == nil || !*final.Accepted {
		t.Fatalf("expected auto-accept with a single agent, got %+v", final)
	}
	if final.FinalObjective == nil || *final.FinalObjective != 42 {
		t.Fatalf("final objective: got %v, want claimed 42", final.FinalObjective)
	}
	if final.RewardAccumulated != env.Engine.Config.Platform.SuccessReward {
		t.Fatalf("reward: got %d, want %d", final.RewardAccumulated, env.Engine.Config.Platform.SuccessReward)
	}
	rec, data, err := env.Engine.BestSolution(env.Ctx, "tsp_1")
	if err != nil {
		t.Fatalf("best solution: %v", err)
	}
	if rec.SubmissionID != sub.ID || data != "tour 1 2 3" {
		t.Fatalf("best solution record %+v data %q", rec, data)
	}
}

func TestConsensusAccept(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 3)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour 1 2 3", 42)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	for _, validator := range ids[1:] {
		got, _, found, err := env.Engine.RequestSolutionToValidate(env.Ctx, "tsp_1", validator)
		if err != nil || !found {
			t.Fatalf("request for %s: found=%v err=%v", validator, found, err)
		}
		if got.ID != sub.ID {
			t.Fatalf("offered %s, want %s", got.ID, sub.ID)
		}
		reward, err := env.Engine.SubmitVote(env.Ctx, sub.ID, validator, true, 42)
		if err != nil {
			t.Fatalf("vote by %s: %v", validator, err)
		}
		if reward != env.Engine.Config.Platform.ValidationReward {
			t.Fatalf("vote reward: got %d", reward)
		}
	}

	if err := env.Engine.Finalize(env.Ctx, sub.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	final, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if final.Accepted == nil || !*final.Accepted {
		t.Fatalf("expected accepted, got %+v", final)
	}
	if final.AcceptedCount != 2 || final.RejectedCount != 0 {
		t.Fatalf("counts: %d/%d", final.AcceptedCount, final.RejectedCount)
	}
	if final.FinalObjective == nil || *final.FinalObjective != 42 {
		t.Fatalf("final objective: %v", final.FinalObjective)
	}
	wantReward := 2*env.Engine.Config.Platform.ValidationReward + env.Engine.Config.Platform.SuccessReward
	if final.RewardAccumulated != wantReward {
		t.Fatalf("reward: got %d want %d", final.RewardAccumulated, wantReward)
	}
	inst, err := env.Engine.Repo.GetInstance(env.Ctx, "tsp_1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.RewardAccumulated != wantReward {
		t.Fatalf("instance ledger: got %d want %d", inst.RewardAccumulated, wantReward)
	}
}

func TestConsensusReject(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 3)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "bogus tour", 7)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	for _, validator := range ids[1:] {
		if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, validator, false, 99); err != nil {
			t.Fatalf("vote by %s: %v", validator, err)
		}
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	final, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if final.Accepted == nil || *final.Accepted {
		t.Fatalf("expected rejected, got %+v", final)
	}
	if final.AcceptedCount != 0 || final.RejectedCount != 2 {
		t.Fatalf("counts: %d/%d", final.AcceptedCount, final.RejectedCount)
	}
	// Validators keep their reward even on a rejected submission.
	wantReward := 2 * env.Engine.Config.Platform.ValidationReward
	if final.RewardAccumulated != wantReward {
		t.Fatalf("reward: got %d want %d", final.RewardAccumulated, wantReward)
	}
	if _, _, err := env.Engine.BestSolution(env.Ctx, "tsp_1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected submission must not become best: %v", err)
	}
}

func TestAbstentionsCountAgainstAcceptance(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 4) // eligible voters: 3, ratio 0.5 needs 2 accepts

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 10)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 10); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	final, _ := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if final.Accepted == nil || *final.Accepted {
		t.Fatalf("1 accept of 3 eligible must reject, got %+v", final)
	}
}

func TestValidationSelectionPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 2)

	first, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour a", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct submission times for FIFO
	second, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour b", 2)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	// The submitter is never offered its own work.
	if _, _, found, err := env.Engine.RequestSolutionToValidate(env.Ctx, "tsp_1", ids[0]); err != nil || found {
		t.Fatalf("own submissions offered: found=%v err=%v", found, err)
	}

	// Oldest open submission first.
	got, data, found, err := env.Engine.RequestSolutionToValidate(env.Ctx, "tsp_1", ids[1])
	if err != nil || !found {
		t.Fatalf("request: found=%v err=%v", found, err)
	}
	if got.ID != first.ID || data != "tour a" {
		t.Fatalf("got %s, want oldest %s", got.ID, first.ID)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, first.ID, ids[1], true, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// After voting, the next request moves on to the next submission.
	got, _, found, err = env.Engine.RequestSolutionToValidate(env.Ctx, "tsp_1", ids[1])
	if err != nil || !found {
		t.Fatalf("second request: found=%v err=%v", found, err)
	}
	if got.ID != second.ID {
		t.Fatalf("got %s, want %s", got.ID, second.ID)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, second.ID, ids[1], true, 2); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// Nothing left to validate.
	if _, _, found, err := env.Engine.RequestSolutionToValidate(env.Ctx, "tsp_1", ids[1]); err != nil || found {
		t.Fatalf("exhausted queue: found=%v err=%v", found, err)
	}
}

func TestVoteConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 2)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[0], true, 1); !errors.Is(err, repo.ErrOwnSubmission) {
		t.Fatalf("self vote: got %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], false, 1); !errors.Is(err, repo.ErrAlreadyValidated) {
		t.Fatalf("double vote: got %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, "no-such-id", ids[1], true, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown submission: got %v", err)
	}
}

func TestLateVoteRejectedAfterFinalize(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 3)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[2], true, 1); !errors.Is(err, repo.ErrAlreadyFinalized) {
		t.Fatalf("late vote: got %v, want ErrAlreadyFinalized", err)
	}
}

func TestFinalizeExactlyOnceUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 2)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.Engine.Finalize(env.Ctx, sub.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repo.ErrAlreadyFinalized):
		default:
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("finalize committed %d times, want exactly once", wins)
	}

	final, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	wantReward := env.Engine.Config.Platform.ValidationReward + env.Engine.Config.Platform.SuccessReward
	if final.RewardAccumulated != wantReward {
		t.Fatalf("reward paid %d, want %d paid once", final.RewardAccumulated, wantReward)
	}
	inst, _ := env.Engine.Repo.GetInstance(env.Ctx, "tsp_1")
	if inst.RewardAccumulated != wantReward {
		t.Fatalf("instance ledger %d, want %d", inst.RewardAccumulated, wantReward)
	}
}

func TestVoteRacingFinalizeIsCountedOrRejected(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 3)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}

	var voteErr, finErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, voteErr = env.Engine.SubmitVote(env.Ctx, sub.ID, ids[2], true, 1)
	}()
	go func() {
		defer wg.Done()
		finErr = env.Engine.Finalize(env.Ctx, sub.ID)
	}()
	wg.Wait()

	if finErr != nil && !errors.Is(finErr, repo.ErrAlreadyFinalized) {
		t.Fatalf("finalize: %v", finErr)
	}
	if voteErr != nil && !errors.Is(voteErr, repo.ErrAlreadyFinalized) {
		t.Fatalf("racing vote: %v", voteErr)
	}
	final, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if final.Open() {
		t.Fatalf("submission still open after finalize")
	}
	// A vote that committed must be in the tally; one that lost the race
	// must leave no trace.
	wantAccepts := 1
	if voteErr == nil {
		wantAccepts = 2
	}
	if final.AcceptedCount != wantAccepts {
		t.Fatalf("accepted count %d, want %d (vote err %v)", final.AcceptedCount, wantAccepts, voteErr)
	}
}

func TestFinalizeFallbackRejectsOnTransactionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 2)

	// An accepted submission publishes a best solution first, so the failed
	// finalize below has something to corrupt if it misbehaves.
	prior, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour a", 9)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, prior.ID, ids[1], true, 9); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.Engine.Finalize(env.Ctx, prior.ID); err != nil {
		t.Fatalf("finalize prior: %v", err)
	}

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour b", 8)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 8); err != nil {
		t.Fatalf("vote: %v", err)
	}

	// Losing the payload makes the accepting finalize unable to publish the
	// best solution, so the whole transaction fails.
	if err := env.Engine.Store.RemoveActive(sub.ID); err != nil {
		t.Fatalf("remove payload: %v", err)
	}

	err = env.Engine.Finalize(env.Ctx, sub.ID)
	var fbErr *engine.ConsistencyFallbackError
	if !errors.As(err, &fbErr) {
		t.Fatalf("finalize: got %v, want ConsistencyFallbackError", err)
	}
	if fbErr.FallbackErr != nil {
		t.Fatalf("fallback write failed: %v", fbErr.FallbackErr)
	}

	final, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if final.Open() || final.Accepted == nil || *final.Accepted {
		t.Fatalf("submission must end terminally rejected, got %+v", final)
	}
	rec, data, err := env.Engine.BestSolution(env.Ctx, "tsp_1")
	if err != nil {
		t.Fatalf("best solution: %v", err)
	}
	if rec.SubmissionID != prior.ID || data != "tour a" {
		t.Fatalf("failed finalize disturbed the best solution: %+v %q", rec, data)
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); !errors.Is(err, repo.ErrAlreadyFinalized) {
		t.Fatalf("repeat finalize: got %v", err)
	}
}

func TestFinalizedStatusReadsAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 2)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 5)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 5); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	first, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := env.Engine.GetSubmissionStatus(env.Ctx, sub.ID)
		if err != nil {
			t.Fatalf("repeat read: %v", err)
		}
		if !sameSubmission(again, first) {
			t.Fatalf("read %d differs: %+v vs %+v", i, again, first)
		}
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); !errors.Is(err, repo.ErrAlreadyFinalized) {
		t.Fatalf("repeat finalize: got %v", err)
	}
}

func TestBudgetExhaustionDeactivatesInstance(t *testing.T) {
	env := newTestEnv(t)
	// Budget equal to a single validation reward: the first in-flight vote
	// already meets it, so the phase monitor should close the instance and
	// finalize early.
	env.Engine.ValidationDuration = 2 * time.Second
	env.addInstance(t, "tsp_1", env.Engine.Config.Platform.ValidationReward)
	ids := env.registerAgents(t, 2)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 3)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 3); err != nil {
		t.Fatalf("vote: %v", err)
	}

	env.waitFinalized(t, sub.ID, 5*time.Second)
	inst, err := env.Engine.Repo.GetInstance(env.Ctx, "tsp_1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Active {
		t.Fatalf("instance still active after budget exhausted")
	}
	if _, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[1], "tour", 1); !errors.Is(err, engine.ErrInstanceInactive) {
		t.Fatalf("upload after exhaustion: got %v", err)
	}
}

func TestInstancePoolAndData(t *testing.T) {
	env := newTestEnv(t)
	env.addInstance(t, "tsp_1", 1000)
	env.addInstance(t, "tsp_2", 1000)
	if err := env.Engine.Repo.DeactivateInstance(env.Ctx, "tsp_2"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	pool, err := env.Engine.InstancePool(env.Ctx)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if len(pool) != 1 || pool[0].Name != "tsp_1" {
		t.Fatalf("pool: %+v", pool)
	}

	inst, data, err := env.Engine.InstanceData(env.Ctx, "tsp_1")
	if err != nil {
		t.Fatalf("instance data: %v", err)
	}
	if inst.Name != "tsp_1" || data != "problem data for tsp_1" {
		t.Fatalf("instance %+v data %q", inst, data)
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.ValidationDuration = time.Minute
	env.addInstance(t, "tsp_1", 1000)
	ids := env.registerAgents(t, 2)

	sub, err := env.Engine.Upload(env.Ctx, "tsp_1", ids[0], "tour", 1)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, sub.ID, ids[1], true, 1); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := env.Engine.Finalize(env.Ctx, sub.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	events, err := env.Engine.Events.Latest(env.Ctx, 10, "tsp_1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"submission.created", "vote.recorded", "submission.finalized"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
