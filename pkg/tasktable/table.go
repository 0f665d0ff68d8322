package tasktable

import (
	"encoding/json"
	"sync"
)

// Table is the in-memory job→task map. Mu is exported because the
// executor holds it across table mutation and process-map mutation in the
// same critical section; Table itself never takes Mu.
type Table struct {
	Mu sync.RWMutex

	jobs   map[int]*JobInfo
	resync bool
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{jobs: make(map[int]*JobInfo)}
}

// AddJobAndTask returns the TaskInfo for (jobID, taskID), creating the job
// and/or task if either doesn't exist yet. isNewEntry is true only when
// the task itself was just created.
func (t *Table) AddJobAndTask(jobID, taskID int) (task *TaskInfo, isNewEntry bool) {
	job, ok := t.jobs[jobID]
	if !ok {
		job = &JobInfo{JobID: jobID, Tasks: make(map[int]*TaskInfo)}
		t.jobs[jobID] = job
	}

	if existing, ok := job.Tasks[taskID]; ok {
		return existing, false
	}

	info := &TaskInfo{JobID: jobID, TaskID: taskID}
	job.Tasks[taskID] = info
	return info, true
}

// GetJob returns the job, if one is registered.
func (t *Table) GetJob(jobID int) (*JobInfo, bool) {
	job, ok := t.jobs[jobID]
	return job, ok
}

// GetTask returns the task, if one is registered.
func (t *Table) GetTask(jobID, taskID int) (*TaskInfo, bool) {
	job, ok := t.jobs[jobID]
	if !ok {
		return nil, false
	}
	task, ok := job.Tasks[taskID]
	return task, ok
}

// RemoveTask deletes (jobID, taskID) only if its stored AttemptID matches
// attemptID. A mismatch means a newer attempt has already replaced the
// task this call meant to remove, and the call is a no-op — this is the
// only defense against a late completion from a stale attempt erasing a
// requeued task that reused the same key.
func (t *Table) RemoveTask(jobID, taskID, attemptID int) bool {
	job, ok := t.jobs[jobID]
	if !ok {
		return false
	}
	task, ok := job.Tasks[taskID]
	if !ok {
		return false
	}
	if task.AttemptID != attemptID {
		return false
	}
	delete(job.Tasks, taskID)
	return true
}

// RemoveJob deletes jobID and returns the removed JobInfo for teardown
// (iterating its tasks to terminate processes, etc.).
func (t *Table) RemoveJob(jobID int) (*JobInfo, bool) {
	job, ok := t.jobs[jobID]
	if ok {
		delete(t.jobs, jobID)
	}
	return job, ok
}

// RequestResync sets the sticky resync flag included in the next
// heartbeat snapshot.
func (t *Table) RequestResync() {
	t.resync = true
}

// AckResync clears the resync flag. Callers clear it only after a
// heartbeat carrying requestResync=true has been sent successfully, so a
// failed send keeps requesting resync on the next attempt.
func (t *Table) AckResync() {
	t.resync = false
}

// ResyncRequested reports the current value of the sticky resync flag.
func (t *Table) ResyncRequested() bool {
	return t.resync
}

// taskSnapshot is the wire shape of one task in a heartbeat payload.
type taskSnapshot struct {
	JobID        int    `json:"jobId"`
	TaskID       int    `json:"taskId"`
	RequeueCount int    `json:"requeueCount"`
	Exited       bool   `json:"exited"`
	ExitCode     int    `json:"exitCode"`
	Message      string `json:"message,omitempty"`
}

type heartbeatPayload struct {
	Tasks         []taskSnapshot `json:"tasks"`
	RequestResync bool           `json:"requestResync"`
}

// AllTasks returns every task currently registered, across all jobs.
// Caller must hold at least Mu.RLock.
func (t *Table) AllTasks() []*TaskInfo {
	var tasks []*TaskInfo
	for _, job := range t.jobs {
		for _, task := range job.Tasks {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// ToJSON renders the heartbeat payload: every known task plus the current
// resync flag. It does not clear the flag; call AckResync after the
// payload has been sent successfully.
func (t *Table) ToJSON() ([]byte, error) {
	payload := heartbeatPayload{RequestResync: t.resync}

	for _, job := range t.jobs {
		for _, task := range job.Tasks {
			payload.Tasks = append(payload.Tasks, taskSnapshot{
				JobID:        task.JobID,
				TaskID:       task.TaskID,
				RequeueCount: task.RequeueCount,
				Exited:       task.Exited,
				ExitCode:     task.ExitCode,
				Message:      task.Message,
			})
		}
	}

	return json.Marshal(payload)
}
