package executor

// StartInfo is the process launch description for one task attempt.
type StartInfo struct {
	CommandLine          string
	Args                 []string
	EnvironmentVariables map[string]string
	Affinity             []int
	StdOutFile           string
	StdErrFile           string
	StdInFile            string
	WorkDirectory        string
	TaskRequeueCount     int
}

// StartJobAndTaskArgs is the argument to StartJobAndTask: it carries both
// the job-level user/credential setup and the first task to start under
// that user.
type StartJobAndTaskArgs struct {
	JobID       int
	TaskID      int
	UserName    string
	Password    string
	PrivateKey  string
	PublicKey   string
	StartInfo   StartInfo
	CallbackURI string
}

// StartTaskArgs starts an additional task (or a requeue of an existing
// one) under a user already established by a prior StartJobAndTask.
type StartTaskArgs struct {
	JobID       int
	TaskID      int
	StartInfo   StartInfo
	CallbackURI string
}

// EndJobArgs requests termination of every task belonging to a job and
// cleanup of its user/SSH-key state.
type EndJobArgs struct {
	JobID int
}

// EndTaskArgs requests termination of one task, allowing it up to
// TaskCancelGracePeriodSeconds to exit on its own before being killed
// outright. A grace period of zero means kill immediately.
type EndTaskArgs struct {
	JobID                        int
	TaskID                       int
	TaskCancelGracePeriodSeconds int
	CallbackURI                  string
}

// PeekTaskOutputArgs identifies the task whose buffered stdout tail should
// be returned.
type PeekTaskOutputArgs struct {
	JobID  int
	TaskID int
}

// TaskResult is the JSON shape returned to the head node describing a
// task's terminal or in-flight state.
type TaskResult struct {
	JobID        int    `json:"jobId"`
	TaskID       int    `json:"taskId"`
	RequeueCount int    `json:"requeueCount"`
	Exited       bool   `json:"exited"`
	ExitCode     int    `json:"exitCode"`
	Message      string `json:"message,omitempty"`
	ProcessIDs   []int  `json:"processIds,omitempty"`
}

// unknownID mirrors tasktable.UnknownID for log lines about job- or
// node-scoped events that have no specific task.
const unknownID = -1

// endTaskExitCode and endJobExitCode are the synthetic exit codes recorded
// against a task killed by EndTask/EndJob rather than by the process
// exiting on its own.
const (
	endTaskExitCode = -1000
	endJobExitCode  = -1001
)
