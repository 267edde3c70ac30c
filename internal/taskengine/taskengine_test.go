package taskengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRunTaskCompletesWithResult(t *testing.T) {
	e := New(nil, time.Hour)
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		h.SetProgress(0.5)
		h.Finish("done")
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if finished, _ := e.GetTaskFinished("list-a", task.ID); finished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, status := e.HandleResultRequest("list-a", task.ID)
	if status != ResultOK || result != "done" {
		t.Fatalf("expected ResultOK/\"done\", got status=%v result=%v", status, result)
	}
}

func TestRunTaskPanicBecomesTerminalError(t *testing.T) {
	e := New(nil, time.Hour)
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		panic("boom")
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if finished, _ := e.GetTaskFinished("list-a", task.ID); finished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	progress, _ := e.GetTaskProgress("list-a", task.ID)
	if progress != 1 {
		t.Fatalf("expected progress 1.0 for errored task, got %v", progress)
	}
	_, status := e.HandleResultRequest("list-a", task.ID)
	if status != ResultError {
		t.Fatalf("expected ResultError, got %v", status)
	}
}

func TestHandleResultRequestUnfinished(t *testing.T) {
	e := New(nil, time.Hour)
	release := make(chan struct{})
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		<-release
		h.Finish("done")
	})
	defer close(release)

	_, status := e.HandleResultRequest("list-a", task.ID)
	if status != ResultUnfinished {
		t.Fatalf("expected ResultUnfinished, got %v", status)
	}
}

func TestHandleResultRequestMissing(t *testing.T) {
	e := New(nil, time.Hour)
	_, status := e.HandleResultRequest("list-a", uuid.New())
	if status != ResultMissing {
		t.Fatalf("expected ResultMissing, got %v", status)
	}
}

func TestNamespacesAreDisjoint(t *testing.T) {
	e := New(nil, time.Hour)
	release := make(chan struct{})
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		<-release
		h.Finish(nil)
	})
	defer close(release)

	if e.IsTaskExisting("list-b", task.ID) {
		t.Fatalf("expected task to be invisible from a different namespace")
	}
	if !e.IsTaskExisting("list-a", task.ID) {
		t.Fatalf("expected task to be visible in its own namespace")
	}
}

func TestSweepTasksRemovesExpired(t *testing.T) {
	e := New(nil, time.Hour)
	release := make(chan struct{})
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		<-release
		h.Finish(nil)
	})
	defer close(release)

	ns := e.namespaceFor("list-a")
	ns.mu.Lock()
	ns.tasks[task.ID].ExpireAt = time.Now().Add(-time.Minute)
	ns.mu.Unlock()

	e.SweepTasks()
	if e.IsTaskExisting("list-a", task.ID) {
		t.Fatalf("expected expired task to be swept")
	}
}

func TestRunDedupedReturnsExistingTaskOnWarmHit(t *testing.T) {
	e := New(nil, time.Hour)
	release := make(chan struct{})
	var calls int
	proc := func(ctx context.Context, h *Handle) {
		calls++
		<-release
		h.Finish(nil)
	}

	t1 := e.RunDeduped("list-a", "fp-1", proc)
	t2 := e.RunDeduped("list-a", "fp-1", proc)
	close(release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if finished, _ := e.GetTaskFinished("list-a", t1.ID); finished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if t1.ID != t2.ID {
		t.Fatalf("expected same task id on dedup hit, got %v vs %v", t1.ID, t2.ID)
	}
	if calls != 1 {
		t.Fatalf("expected proc to run exactly once, ran %d times", calls)
	}
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	type opts struct {
		B string
		A string
	}
	fp1, err := Fingerprint(map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fp2, err := Fingerprint(map[string]string{"b": "2", "a": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("expected order-independent fingerprints, got %q vs %q", fp1, fp2)
	}
	var _ opts
}

func TestProgressNeverDecreases(t *testing.T) {
	e := New(nil, time.Hour)
	release := make(chan struct{})
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		h.SetProgress(0.8)
		h.SetProgress(0.2)
		<-release
		h.Finish(nil)
	})
	defer close(release)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p, _ := e.GetTaskProgress("list-a", task.ID); p >= 0.8 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected progress to stay at or above 0.8 once reached")
}

func TestSweepTaskChecksOnlyRespectsExpiry(t *testing.T) {
	e := New(nil, time.Hour)
	release := make(chan struct{})
	task := e.RunTask("list-a", func(ctx context.Context, h *Handle) {
		<-release
		h.Finish(nil)
	})
	defer close(release)

	e.SweepTask("list-a", task.ID, true)
	if !e.IsTaskExisting("list-a", task.ID) {
		t.Fatalf("expected non-expired task to survive a checksOnly sweep")
	}

	e.SweepTask("list-a", task.ID, false)
	if e.IsTaskExisting("list-a", task.ID) {
		t.Fatalf("expected task to be evicted by an unconditional sweep")
	}
}

func TestGetTaskResultUnknownIDReturnsNotFound(t *testing.T) {
	e := New(nil, time.Hour)
	_, ok := e.GetTaskResult("list-a", uuid.New())
	if ok {
		t.Fatalf("expected ok=false for unknown task id")
	}
}
