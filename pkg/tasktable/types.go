package tasktable

// UnknownID is used in place of a taskId or attemptId in contexts that
// describe a job- or node-scoped event with no specific task.
const UnknownID = -1

// ProcessStatistics is a snapshot of a supervised process's cgroup state.
type ProcessStatistics struct {
	IsTerminated   bool
	ProcessIDs     []int
	CPUTimeSeconds float64
	MemoryBytes    uint64
}

// TaskInfo is one task's full state. A TaskInfo is created by
// AddJobAndTask and destroyed exactly once, either by the process-exit
// callback or by EndTask (RemoveTask) / EndJob (RemoveJob) — whichever
// wins the race; AttemptID guards RemoveTask against a stale attempt.
type TaskInfo struct {
	JobID         int
	TaskID        int
	RequeueCount  int
	AttemptID     int
	ProcessKey    uint64
	IsPrimaryTask bool
	Exited        bool
	ExitCode      int
	Message       string
	Affinity      []int
	ProcessIDs    []int
	Stats         ProcessStatistics

	// CancelGrace cancels a pending grace-period timer for this task, if
	// one was started by EndTask. Nil when no grace timer is pending.
	CancelGrace func()
}

// GetTaskRequeueCount returns the requeue count supplied by the head node
// on the most recent (re)start of this task.
func (t *TaskInfo) GetTaskRequeueCount() int {
	return t.RequeueCount
}

// SetTaskRequeueCount sets the requeue count. It does not set AttemptID;
// the executor's StartTask sets AttemptID to the same requeue count, so a
// repeated requeue count yields a repeated AttemptID.
func (t *TaskInfo) SetTaskRequeueCount(n int) {
	t.RequeueCount = n
}

// JobInfo is one job's tasks, keyed by TaskID.
type JobInfo struct {
	JobID int
	Tasks map[int]*TaskInfo
}
