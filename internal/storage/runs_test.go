package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowstate-dev/flowstate/internal/core"
)

func testDB(t *testing.T) (*DB, string) {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	project, err := db.CreateProject(&core.CreateProject{Name: "Test", Slug: "test"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := db.CreateTask(&core.CreateTask{ProjectID: project.ID, Title: "Test task"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return db, task.ID
}

func enqueue(t *testing.T, db *DB, taskID string, action core.Action, capability *core.Capability) *core.Run {
	t.Helper()
	run, err := db.CreateRun(&core.CreateRun{TaskID: taskID, Action: action, RequiredCapability: capability})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestRunCRUD(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionDesign, nil)
	if run.Status != core.RunQueued {
		t.Errorf("status = %s, want queued", run.Status)
	}
	if run.PRURL != nil || run.PRNumber != nil || run.BranchName != nil {
		t.Error("new run should have a null PR triple")
	}
	if run.RunnerID != nil {
		t.Error("new run should have no runner")
	}

	fetched, err := db.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if fetched.ID != run.ID || fetched.Action != core.ActionDesign {
		t.Errorf("fetched %+v, want id=%s action=design", fetched, run.ID)
	}

	code := 0
	updated, err := db.UpdateRunStatus(run.ID, core.RunCompleted, nil, &code)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != core.RunCompleted {
		t.Errorf("status = %s, want completed", updated.Status)
	}
	if updated.FinishedAt == nil {
		t.Error("terminal run must have finished_at")
	}
	if updated.FinishedAt != nil && updated.FinishedAt.Before(updated.StartedAt) {
		t.Error("finished_at must not precede started_at")
	}

	if _, err := db.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get missing run: err = %v, want ErrNotFound", err)
	}
}

func TestClaimRunFIFO(t *testing.T) {
	db, taskID := testDB(t)

	if run, err := db.ClaimRun(nil); err != nil || run != nil {
		t.Fatalf("claim on empty queue = (%v, %v), want (nil, nil)", run, err)
	}

	run1 := enqueue(t, db, taskID, core.ActionDesign, nil)
	time.Sleep(2 * time.Millisecond)
	enqueue(t, db, taskID, core.ActionPlan, nil)

	claimed, err := db.ClaimRun(nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != run1.ID {
		t.Fatalf("claim returned %+v, want oldest run %s", claimed, run1.ID)
	}
	if claimed.Status != core.RunRunning {
		t.Errorf("claimed status = %s, want running", claimed.Status)
	}

	claimed2, err := db.ClaimRun(nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed2 == nil || claimed2.Action != core.ActionPlan {
		t.Fatalf("second claim = %+v, want the plan run", claimed2)
	}

	if run, _ := db.ClaimRun(nil); run != nil {
		t.Errorf("third claim should return nil, got %+v", run)
	}
}

func TestClaimRunCapabilityFilter(t *testing.T) {
	db, taskID := testDB(t)

	heavy := core.CapabilityHeavy
	enqueue(t, db, taskID, core.ActionBuild, &heavy)

	// A light-only runner must not claim a heavy run.
	if run, _ := db.ClaimRun([]core.Capability{core.CapabilityLight}); run != nil {
		t.Fatalf("light runner claimed heavy run %+v", run)
	}

	// A heavy runner may.
	run, err := db.ClaimRun([]core.Capability{core.CapabilityHeavy})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run == nil {
		t.Fatal("heavy runner should claim heavy run")
	}

	// Untagged runs are claimable regardless of the filter.
	enqueue(t, db, taskID, core.ActionResearch, nil)
	run, err = db.ClaimRun([]core.Capability{core.CapabilityLight})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run == nil {
		t.Fatal("untagged run should be claimable by any capability set")
	}
}

func TestClaimRunEmptyCapabilitySetClaimsAnything(t *testing.T) {
	db, taskID := testDB(t)

	heavy := core.CapabilityHeavy
	enqueue(t, db, taskID, core.ActionBuild, &heavy)

	run, err := db.ClaimRun(nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run == nil {
		t.Fatal("empty capability set should claim any queued run")
	}
}

func TestClaimRace(t *testing.T) {
	db, taskID := testDB(t)
	enqueue(t, db, taskID, core.ActionResearch, nil)

	const claimers = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := db.ClaimRun(nil)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if run != nil {
				mu.Lock()
				wins = append(wins, run.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("%d claimers won, want exactly 1 (winners: %v)", len(wins), wins)
	}
}

func TestTerminalStatusSinks(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionBuild, nil)
	if _, err := db.ClaimRun(nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	msg := "agent exploded"
	failed, err := db.UpdateRunStatus(run.ID, core.RunFailed, &msg, nil)
	if err != nil {
		t.Fatalf("fail run: %v", err)
	}
	if failed.Status != core.RunFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	finishedAt := *failed.FinishedAt

	// A late non-terminal write is a silent no-op.
	after, err := db.UpdateRunStatus(run.ID, core.RunRunning, nil, nil)
	if err != nil {
		t.Fatalf("late update: %v", err)
	}
	if after.Status != core.RunFailed {
		t.Errorf("terminal status was reopened to %s", after.Status)
	}
	if after.FinishedAt == nil || !after.FinishedAt.Equal(finishedAt) {
		t.Error("finished_at changed on a no-op write")
	}

	// timeout on a terminal run returns nil and leaves the row alone.
	res, err := db.TimeoutRun(run.ID, "watchdog")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if res != nil {
		t.Errorf("timeout on terminal run returned %+v, want nil", res)
	}
	final, _ := db.GetRun(run.ID)
	if final.Status != core.RunFailed || *final.ErrorMessage != msg {
		t.Errorf("terminal run was modified: %+v", final)
	}
}

func TestTimeoutRunGuard(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionBuild, nil)

	// Queued runs are not eligible for timeout.
	if res, _ := db.TimeoutRun(run.ID, "too slow"); res != nil {
		t.Errorf("timeout on queued run should return nil, got %+v", res)
	}

	if _, err := db.ClaimRun(nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	timedOut, err := db.TimeoutRun(run.ID, "watchdog timeout")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if timedOut == nil || timedOut.Status != core.RunTimedOut {
		t.Fatalf("timeout = %+v, want timed_out", timedOut)
	}
	if timedOut.ErrorMessage == nil || *timedOut.ErrorMessage != "watchdog timeout" {
		t.Errorf("error message = %v", timedOut.ErrorMessage)
	}
	if timedOut.FinishedAt == nil {
		t.Error("timed_out run must have finished_at")
	}

	// Second timeout loses the race and reports nil.
	if res, _ := db.TimeoutRun(run.ID, "second"); res != nil {
		t.Errorf("second timeout should return nil, got %+v", res)
	}
}

func TestTimeoutRunFromSalvaging(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionBuild, nil)
	if _, err := db.ClaimRun(nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := db.BeginSalvageRun(run.ID); err != nil {
		t.Fatalf("salvaging: %v", err)
	}

	salvaging, _ := db.GetRun(run.ID)
	if salvaging.FinishedAt != nil {
		t.Error("salvaging is not terminal, finished_at must be null")
	}

	timedOut, err := db.TimeoutRun(run.ID, "salvage stuck")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if timedOut == nil || timedOut.Status != core.RunTimedOut {
		t.Fatalf("timeout from salvaging = %+v, want timed_out", timedOut)
	}
}

func TestBeginSalvageRun(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionBuild, nil)
	if _, err := db.ClaimRun(nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The normal salvage path: timed_out first, then salvaging.
	if _, err := db.TimeoutRun(run.ID, "budget exceeded"); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	salvaging, err := db.BeginSalvageRun(run.ID)
	if err != nil {
		t.Fatalf("begin salvage: %v", err)
	}
	if salvaging == nil || salvaging.Status != core.RunSalvaging {
		t.Fatalf("begin salvage = %+v, want salvaging", salvaging)
	}
	if salvaging.FinishedAt != nil {
		t.Error("salvaging run must have null finished_at")
	}

	// Salvage completes normally from here.
	completed, err := db.UpdateRunStatus(run.ID, core.RunCompleted, nil, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != core.RunCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}

	// Salvage cannot start from other terminal states.
	if res, _ := db.BeginSalvageRun(run.ID); res != nil {
		t.Errorf("salvage from completed should return nil, got %+v", res)
	}
	queued := enqueue(t, db, taskID, core.ActionBuild, nil)
	if res, _ := db.BeginSalvageRun(queued.ID); res != nil {
		t.Errorf("salvage from queued should return nil, got %+v", res)
	}
}

func TestFindStaleRuns(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionBuild, nil)
	if _, err := db.ClaimRun(nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	stale, err := db.FindStaleRuns([]core.RunStatus{core.RunRunning}, future)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != run.ID {
		t.Fatalf("stale = %+v, want the running run", stale)
	}

	past := time.Now().UTC().Add(-time.Hour)
	stale, err = db.FindStaleRuns([]core.RunStatus{core.RunRunning}, past)
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("young run reported stale: %+v", stale)
	}

	// Completed runs never show up.
	code := 0
	if _, err := db.UpdateRunStatus(run.ID, core.RunCompleted, nil, &code); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stale, _ = db.FindStaleRuns([]core.RunStatus{core.RunRunning, core.RunSalvaging}, future)
	if len(stale) != 0 {
		t.Errorf("terminal run reported stale: %+v", stale)
	}
}

func TestCountQueuedRuns(t *testing.T) {
	db, taskID := testDB(t)

	count, err := db.CountQueuedRuns()
	if err != nil || count != 0 {
		t.Fatalf("count = (%d, %v), want (0, nil)", count, err)
	}

	for i := 0; i < 3; i++ {
		enqueue(t, db, taskID, core.ActionResearch, nil)
	}
	if count, _ = db.CountQueuedRuns(); count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	if _, err := db.ClaimRun(nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if count, _ = db.CountQueuedRuns(); count != 2 {
		t.Errorf("count after claim = %d, want 2", count)
	}
}

func TestSetRunPRAndRunner(t *testing.T) {
	db, taskID := testDB(t)

	run := enqueue(t, db, taskID, core.ActionBuild, nil)

	url := "https://github.com/org/repo/pull/42"
	number := int64(42)
	branch := "flowstate/my-feature"
	updated, err := db.SetRunPR(run.ID, &url, &number, &branch)
	if err != nil {
		t.Fatalf("set pr: %v", err)
	}
	if updated.PRURL == nil || *updated.PRURL != url {
		t.Errorf("pr_url = %v", updated.PRURL)
	}
	if updated.PRNumber == nil || *updated.PRNumber != 42 {
		t.Errorf("pr_number = %v", updated.PRNumber)
	}
	if updated.BranchName == nil || *updated.BranchName != branch {
		t.Errorf("branch_name = %v", updated.BranchName)
	}
	if updated.Status != core.RunQueued {
		t.Errorf("SetRunPR must not change status, got %s", updated.Status)
	}

	if err := db.SetRunRunner(run.ID, "runner-1"); err != nil {
		t.Fatalf("set runner: %v", err)
	}
	fetched, _ := db.GetRun(run.ID)
	if fetched.RunnerID == nil || *fetched.RunnerID != "runner-1" {
		t.Errorf("runner_id = %v, want runner-1", fetched.RunnerID)
	}

	if err := db.SetRunProgress(run.ID, "Cloning repository..."); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	fetched, _ = db.GetRun(run.ID)
	if fetched.ProgressMessage == nil || *fetched.ProgressMessage != "Cloning repository..." {
		t.Errorf("progress = %v", fetched.ProgressMessage)
	}
}
