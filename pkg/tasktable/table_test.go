package tasktable

import (
	"encoding/json"
	"testing"
)

func TestAddJobAndTask_CreatesOnFirstCall(t *testing.T) {
	table := NewTable()

	task, isNew := table.AddJobAndTask(1, 1)
	if !isNew {
		t.Error("isNewEntry = false on first AddJobAndTask, want true")
	}
	if task.JobID != 1 || task.TaskID != 1 {
		t.Errorf("task = %+v, want JobID=1 TaskID=1", task)
	}
}

func TestAddJobAndTask_ReturnsExistingOnSecondCall(t *testing.T) {
	table := NewTable()

	first, _ := table.AddJobAndTask(1, 1)
	first.ExitCode = 42

	second, isNew := table.AddJobAndTask(1, 1)
	if isNew {
		t.Error("isNewEntry = true on second AddJobAndTask for same key, want false")
	}
	if second != first {
		t.Error("second AddJobAndTask returned a different *TaskInfo than the first")
	}
	if second.ExitCode != 42 {
		t.Errorf("ExitCode = %d, want 42 (same underlying task)", second.ExitCode)
	}
}

func TestRemoveTask_AttemptIDGuard(t *testing.T) {
	table := NewTable()

	task, _ := table.AddJobAndTask(1, 1)
	task.AttemptID = 1

	// A stale completion from attempt 1 arrives after the task was
	// requeued to attempt 2.
	task.AttemptID = 2

	if ok := table.RemoveTask(1, 1, 1); ok {
		t.Error("RemoveTask with stale attemptId succeeded, want no-op")
	}

	if _, ok := table.GetTask(1, 1); !ok {
		t.Error("task was removed by a stale attemptId, want it to survive")
	}

	if ok := table.RemoveTask(1, 1, 2); !ok {
		t.Error("RemoveTask with current attemptId failed, want success")
	}

	if _, ok := table.GetTask(1, 1); ok {
		t.Error("task still present after RemoveTask with matching attemptId")
	}
}

func TestRemoveTask_UnknownTaskIsNoOp(t *testing.T) {
	table := NewTable()

	if ok := table.RemoveTask(99, 1, 0); ok {
		t.Error("RemoveTask on unknown job returned true")
	}
}

func TestRemoveJob_ReturnsRemovedJob(t *testing.T) {
	table := NewTable()
	table.AddJobAndTask(1, 1)
	table.AddJobAndTask(1, 2)

	job, ok := table.RemoveJob(1)
	if !ok {
		t.Fatal("RemoveJob() ok = false, want true")
	}
	if len(job.Tasks) != 2 {
		t.Errorf("removed job has %d tasks, want 2", len(job.Tasks))
	}

	if _, ok := table.GetJob(1); ok {
		t.Error("job still present after RemoveJob")
	}
}

func TestResyncFlag_StickyUntilAcked(t *testing.T) {
	table := NewTable()

	if table.ResyncRequested() {
		t.Fatal("ResyncRequested() = true initially, want false")
	}

	table.RequestResync()
	if !table.ResyncRequested() {
		t.Error("ResyncRequested() = false after RequestResync, want true")
	}

	table.AckResync()
	if table.ResyncRequested() {
		t.Error("ResyncRequested() = true after AckResync, want false")
	}
}

func TestToJSON_CarriesResyncFlagAndTasks(t *testing.T) {
	table := NewTable()
	task, _ := table.AddJobAndTask(1, 1)
	task.ExitCode = 7
	task.Exited = true
	table.RequestResync()

	raw, err := table.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var decoded heartbeatPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal ToJSON() output: %v", err)
	}

	if !decoded.RequestResync {
		t.Error("decoded.RequestResync = false, want true")
	}
	if len(decoded.Tasks) != 1 || decoded.Tasks[0].ExitCode != 7 {
		t.Errorf("decoded.Tasks = %+v", decoded.Tasks)
	}
}
