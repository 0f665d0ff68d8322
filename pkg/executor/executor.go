package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"net/http"

	"github.com/hpcstack/nodemanager/pkg/config"
	"github.com/hpcstack/nodemanager/pkg/events"
	"github.com/hpcstack/nodemanager/pkg/httpclient"
	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/metrics"
	"github.com/hpcstack/nodemanager/pkg/monitor"
	"github.com/hpcstack/nodemanager/pkg/naming"
	"github.com/hpcstack/nodemanager/pkg/reporter"
	"github.com/hpcstack/nodemanager/pkg/supervisor"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// jobUser is the per-job record of which Linux user a job runs as and
// which SSH artifacts were installed for it, so EndJob knows exactly what
// to clean up.
type jobUser struct {
	UserName        string
	Existed         bool
	PrivateKeyAdded bool
	PublicKeyAdded  bool
	AuthKeyAdded    bool
	PublicKey       string
}

// Executor is the Task Executor (C7).
type Executor struct {
	table        *tasktable.Table
	supervisor   *supervisor.Supervisor
	cfg          *config.NodeManagerConfig
	namingClient *naming.Client
	httpClient   *http.Client
	monitor      *monitor.Monitor
	broker       *events.Broker

	// jobUsers and userJobs are guarded by table.Mu, the same lock domain
	// used for task table mutation, per spec.md's single-critical-section
	// requirement for job/user bookkeeping alongside task bookkeeping.
	jobUsers map[int]*jobUser
	userJobs map[string]map[int]struct{}

	registerReporter  *reporter.Reporter
	heartbeatReporter *reporter.Reporter
	metricReporter    *reporter.Reporter
}

// NewExecutor builds an Executor. Call Start to begin its register,
// heartbeat, and metric reporters.
func NewExecutor(cfg *config.NodeManagerConfig, namingClient *naming.Client, table *tasktable.Table, sup *supervisor.Supervisor, mon *monitor.Monitor, broker *events.Broker) *Executor {
	return &Executor{
		table:        table,
		supervisor:   sup,
		cfg:          cfg,
		namingClient: namingClient,
		httpClient:   httpclient.NewClient(),
		monitor:      mon,
		broker:       broker,
		jobUsers:     make(map[int]*jobUser),
		userJobs:     make(map[string]map[int]struct{}),
	}
}

// Start begins the register and heartbeat reporters, and the metric
// reporter if a metric URI is already known. Use Ping/Metric to
// (re)start the heartbeat/metric reporters individually after the head
// node's address changes.
func (e *Executor) Start(ctx context.Context) error {
	e.registerReporter = e.newRegisterReporter()
	if err := e.registerReporter.Start(ctx); err != nil {
		return fmt.Errorf("start register reporter: %w", err)
	}

	if err := e.startHeartbeat(ctx); err != nil {
		return err
	}

	if e.cfg.MetricURI() != "" {
		if err := e.startMetric(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Stop stops every reporter the Executor owns.
func (e *Executor) Stop() {
	if e.registerReporter != nil {
		e.registerReporter.Stop()
	}
	if e.heartbeatReporter != nil {
		e.heartbeatReporter.Stop()
	}
	if e.metricReporter != nil {
		e.metricReporter.Stop()
	}
}

// processKey derives the stable 64-bit identifier the Supervisor registry
// is keyed by, from the triple that uniquely names one task attempt.
func processKey(jobID, taskID, requeueCount int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d-%d-%d", jobID, taskID, requeueCount)
	return h.Sum64()
}

// StartJobAndTask resolves (or creates) the Linux user this job runs as,
// installs its SSH keys, and then starts the job's first task under that
// user. Per spec.md §4.6.1, user setup and the first StartTask happen
// under the same locked section that registers the job's user so a
// concurrent EndJob sees a consistent view.
func (e *Executor) StartJobAndTask(ctx context.Context, args StartJobAndTaskArgs) (TaskResult, error) {
	e.table.Mu.Lock()

	userName, existed, err := e.resolveAndCreateUser(args)
	if err != nil {
		e.table.Mu.Unlock()
		return TaskResult{}, err
	}

	privateKeyAdded, publicKeyAdded, authKeyAdded, resolvedPublicKey := e.installSSHKeysIfNeeded(args, userName)

	if _, ok := e.jobUsers[args.JobID]; !ok {
		e.jobUsers[args.JobID] = &jobUser{
			UserName:        userName,
			Existed:         existed,
			PrivateKeyAdded: privateKeyAdded,
			PublicKeyAdded:  publicKeyAdded,
			AuthKeyAdded:    authKeyAdded,
			PublicKey:       resolvedPublicKey,
		}
	}

	if jobs, ok := e.userJobs[userName]; ok {
		jobs[args.JobID] = struct{}{}
	} else {
		e.userJobs[userName] = map[int]struct{}{args.JobID: {}}
	}

	e.table.Mu.Unlock()

	e.broker.Publish(events.Event{Type: events.TypeJobStarted, JobID: args.JobID, TaskID: args.TaskID})

	return e.StartTask(ctx, StartTaskArgs{
		JobID:       args.JobID,
		TaskID:      args.TaskID,
		StartInfo:   args.StartInfo,
		CallbackURI: args.CallbackURI,
	})
}

// StartTask starts a task belonging to a job whose user was already
// established by StartJobAndTask. A command-line-less task is an MPI
// non-master sub-task: it starts a Docker sidecar via docker.go instead of
// a supervised process.
func (e *Executor) StartTask(ctx context.Context, args StartTaskArgs) (TaskResult, error) {
	e.table.Mu.Lock()
	defer e.table.Mu.Unlock()

	task, isNewEntry := e.table.AddJobAndTask(args.JobID, args.TaskID)
	task.Affinity = args.StartInfo.Affinity
	task.SetTaskRequeueCount(args.StartInfo.TaskRequeueCount)
	task.AttemptID = args.StartInfo.TaskRequeueCount
	task.ProcessKey = processKey(args.JobID, args.TaskID, args.StartInfo.TaskRequeueCount)
	task.IsPrimaryTask = true

	ju, ok := e.jobUsers[args.JobID]
	if !ok {
		e.table.RemoveTask(args.JobID, args.TaskID, task.AttemptID)
		return TaskResult{}, fmt.Errorf("job %d was not started on this node", args.JobID)
	}

	logger := log.WithTask(args.JobID, args.TaskID, task.RequeueCount)

	if args.StartInfo.CommandLine == "" {
		logger.Info().Msg("MPI non-master task found, skip creating the process")
		task.IsPrimaryTask = false
		e.startDockerSubTask(ctx, task, args.StartInfo, ju.UserName)
		metrics.TasksStartedTotal.Inc()
		return e.resultFromTask(task), nil
	}

	if !isNewEntry {
		logger.Warn().Msg("the task has started already")
		return e.resultFromTask(task), nil
	}

	if _, running := e.supervisor.Get(task.ProcessKey); running {
		logger.Warn().Msg("the task has started already")
		return e.resultFromTask(task), nil
	}

	spec := supervisor.ProcessSpec{
		JobID:        args.JobID,
		TaskID:       args.TaskID,
		RequeueCount: task.RequeueCount,
		Command:      args.StartInfo.CommandLine,
		Args:         args.StartInfo.Args,
		Env:          envSlice(args.StartInfo.EnvironmentVariables),
		Dir:          args.StartInfo.WorkDirectory,
		Affinity:     args.StartInfo.Affinity,
		StdinPath:    args.StartInfo.StdInFile,
		StdoutPath:   args.StartInfo.StdOutFile,
		StderrPath:   args.StartInfo.StdErrFile,
	}

	uid, gid, err := lookupUser(ju.UserName)
	if err != nil {
		e.table.RemoveTask(args.JobID, args.TaskID, task.AttemptID)
		return TaskResult{}, fmt.Errorf("resolve uid/gid for %s: %w", ju.UserName, err)
	}
	spec.UID, spec.GID = uid, gid

	onComplete := e.completionCallback(task, args.CallbackURI)

	if _, err := e.supervisor.Start(ctx, task.ProcessKey, spec, onComplete); err != nil {
		e.table.RemoveTask(args.JobID, args.TaskID, task.AttemptID)
		return TaskResult{}, fmt.Errorf("start task process: %w", err)
	}

	logger.Debug().Uint64("process_key", task.ProcessKey).Msg("task process started")
	metrics.TasksStartedTotal.Inc()
	e.broker.Publish(events.Event{Type: events.TypeTaskStarted, JobID: args.JobID, TaskID: args.TaskID})

	return e.resultFromTask(task), nil
}

// EndTask requests termination of one task, honoring a grace period
// before escalating to a forced kill. It mirrors the original system's
// GracePeriodElapsed path: if the task is still alive after the grace
// period, a timer fires TerminateTask again with forced=true.
func (e *Executor) EndTask(ctx context.Context, args EndTaskArgs) (TaskResult, error) {
	e.table.Mu.Lock()

	task, ok := e.table.GetTask(args.JobID, args.TaskID)
	if !ok {
		e.table.Mu.Unlock()
		endTaskLogger := log.WithTask(args.JobID, args.TaskID, unknownID)
		endTaskLogger.Warn().Msg("EndTask: task is already finished")
		return TaskResult{}, nil
	}

	logger := log.WithTask(args.JobID, args.TaskID, task.RequeueCount)
	logger.Info().Msg("EndTask: starting")

	forced := args.TaskCancelGracePeriodSeconds == 0
	e.table.Mu.Unlock()

	// terminateTask blocks on the kill escalation and cgroup-empty poll, so
	// it runs outside the table lock: holding it here would stall the
	// heartbeat reporter's Fetch (which takes an RLock) and every other
	// executor call for as long as the kill takes.
	stats, terminated := e.terminateTask(args.JobID, args.TaskID, task, endTaskExitCode, forced)

	e.table.Mu.Lock()

	if task.Exited {
		// The process-exit callback won the race while the kill was in
		// flight and already recorded the real result.
		result := e.resultFromTask(task)
		e.table.Mu.Unlock()
		return result, nil
	}

	task.ExitCode = endTaskExitCode

	if terminated {
		e.table.RemoveTask(args.JobID, args.TaskID, task.AttemptID)
		task.Exited = true
		task.Stats = stats
		task.ProcessIDs = stats.ProcessIDs
		if task.CancelGrace != nil {
			task.CancelGrace()
			task.CancelGrace = nil
		}
		metrics.TasksCompletedTotal.WithLabelValues("canceled").Inc()
		result := e.resultFromTask(task)
		e.table.Mu.Unlock()
		return result, nil
	}

	task.Exited = false
	task.Stats = stats
	task.ProcessIDs = stats.ProcessIDs

	grace := time.Duration(args.TaskCancelGracePeriodSeconds) * time.Second
	graceCtx, cancel := context.WithCancel(context.Background())
	task.CancelGrace = cancel

	result := e.resultFromTask(task)
	e.table.Mu.Unlock()

	go e.runGracePeriod(graceCtx, args.JobID, args.TaskID, task, grace, args.CallbackURI)

	logger.Info().Msg("EndTask: grace period started")
	return result, nil
}

// runGracePeriod waits out grace (or an earlier cancel from a process-exit
// callback winning the race) and then force-terminates whatever is left,
// mirroring the original system's GracePeriodElapsed.
func (e *Executor) runGracePeriod(ctx context.Context, jobID, taskID int, task *tasktable.TaskInfo, grace time.Duration, callbackURI string) {
	defer func() {
		if r := recover(); r != nil {
			gracePeriodLogger := log.WithTask(jobID, taskID, task.RequeueCount)
			gracePeriodLogger.Error().Interface("panic", r).Msg("recovered panic in grace period goroutine")
		}
	}()

	select {
	case <-time.After(grace):
	case <-ctx.Done():
		return
	}

	e.table.Mu.Lock()

	if _, ok := e.table.GetTask(jobID, taskID); !ok || task.Exited {
		e.table.Mu.Unlock()
		return
	}

	logger := log.WithTask(jobID, taskID, task.RequeueCount)
	logger.Info().Msg("GracePeriodElapsed: starting")
	e.table.Mu.Unlock()

	// See EndTask: the blocking kill must not run with the table lock held.
	stats, _ := e.terminateTask(jobID, taskID, task, endTaskExitCode, true)

	e.table.Mu.Lock()

	if task.Exited {
		e.table.Mu.Unlock()
		return
	}

	task.Exited = true
	task.ExitCode = endTaskExitCode
	task.Stats = stats
	task.ProcessIDs = nil
	task.CancelGrace = nil
	metrics.TasksCompletedTotal.WithLabelValues("canceled").Inc()

	result := e.resultFromTask(task)
	e.table.RemoveTask(jobID, taskID, task.AttemptID)
	e.table.Mu.Unlock()

	logger.Info().Msg("EndTask: ended")
	e.reportTaskCompletion(jobID, taskID, task.RequeueCount, result, callbackURI)
}

// EndJob terminates every task belonging to jobID and cleans up its SSH
// key material. It never deletes the underlying Linux user: per spec.md
// §9, a later job may reuse the same user, so user deletion is left to
// external node lifecycle management.
func (e *Executor) EndJob(ctx context.Context, args EndJobArgs) (map[int]TaskResult, error) {
	logger := log.WithJob(args.JobID)
	logger.Info().Msg("EndJob: starting")

	e.table.Mu.Lock()
	job, ok := e.table.RemoveJob(args.JobID)
	if !ok {
		logger.Warn().Msg("EndJob: job is already finished")
	}
	e.table.Mu.Unlock()

	results := make(map[int]TaskResult)
	if ok {
		for taskID, task := range job.Tasks {
			// Runs outside the table lock for the same reason EndTask's kill
			// does: one slow task's kill must not stall every other
			// executor call for the whole loop.
			stats, terminated := e.terminateTask(args.JobID, taskID, task, endJobExitCode, true)

			e.table.Mu.Lock()
			if !task.Exited {
				task.Exited = terminated
				task.ExitCode = endJobExitCode
				task.Stats = stats
				metrics.TasksCompletedTotal.WithLabelValues("job_ended").Inc()
			}
			if task.CancelGrace != nil {
				task.CancelGrace()
				task.CancelGrace = nil
			}
			results[taskID] = e.resultFromTask(task)
			e.table.Mu.Unlock()
		}
	}

	e.table.Mu.Lock()
	e.cleanupJobUser(args.JobID)
	e.table.Mu.Unlock()

	e.broker.Publish(events.Event{Type: events.TypeJobEnded, JobID: args.JobID})

	return results, nil
}

// cleanupJobUser removes args.JobID's entry from userJobs and, once no job
// references that user anymore, removes the SSH key material (but not the
// user itself). Caller must hold table.Mu.
func (e *Executor) cleanupJobUser(jobID int) {
	ju, ok := e.jobUsers[jobID]
	if !ok {
		return
	}

	logger := log.WithJob(jobID)
	logger.Info().Str("user", ju.UserName).Msg("EndJob: cleanup user")

	jobs, ok := e.userJobs[ju.UserName]
	cleanup := !ok
	if ok {
		delete(jobs, jobID)
		cleanup = len(jobs) == 0
		if cleanup {
			delete(e.userJobs, ju.UserName)
		}
	}

	if cleanup {
		e.removeSSHKeys(ju)
	}

	delete(e.jobUsers, jobID)
}

// terminateTask kills the task's process (or stops its MPI sidecar) and
// polls for up to 1 second for the cgroup to empty, per spec.md §4.6.4.
func (e *Executor) terminateTask(jobID, taskID int, task *tasktable.TaskInfo, exitCode int, forced bool) (tasktable.ProcessStatistics, bool) {
	logger := log.WithTask(jobID, taskID, task.RequeueCount)
	_ = exitCode

	if !task.IsPrimaryTask {
		e.stopDockerSubTask(context.Background(), taskID)
		return tasktable.ProcessStatistics{IsTerminated: true}, true
	}

	if err := e.supervisor.Kill(task.ProcessKey, forced); err != nil {
		logger.Warn().Err(err).Msg("no process object found")
		return tasktable.ProcessStatistics{IsTerminated: true}, true
	}

	stats := e.supervisor.Stats(task.ProcessKey)
	for tries := 0; tries < 10 && !stats.IsTerminated; tries++ {
		time.Sleep(100 * time.Millisecond)
		stats = e.supervisor.Stats(task.ProcessKey)
	}

	if !stats.IsTerminated {
		logger.Warn().Ints("process_ids", stats.ProcessIDs).Msg("the task didn't exit within 1s")
	}

	return stats, stats.IsTerminated
}

func (e *Executor) resultFromTask(task *tasktable.TaskInfo) TaskResult {
	return TaskResult{
		JobID:        task.JobID,
		TaskID:       task.TaskID,
		RequeueCount: task.RequeueCount,
		Exited:       task.Exited,
		ExitCode:     task.ExitCode,
		Message:      task.Message,
		ProcessIDs:   task.ProcessIDs,
	}
}

// PeekTaskOutput returns the buffered stdout tail for (jobID, taskID) as a
// string. An unknown task yields an empty string, and a known task with no
// live supervised process yields the sentinel string; no error is
// propagated, since this endpoint exists purely for human diagnosis.
func (e *Executor) PeekTaskOutput(args PeekTaskOutputArgs) string {
	const failureSentinel = "NodeManager: Failed to get the output."

	peekLogger := log.WithTask(args.JobID, args.TaskID, unknownID)
	peekLogger.Info().Msg("peeking task output")

	e.table.Mu.RLock()
	task, ok := e.table.GetTask(args.JobID, args.TaskID)
	e.table.Mu.RUnlock()
	if !ok {
		return ""
	}

	output, ok := e.supervisor.PeekOutput(task.ProcessKey)
	if !ok {
		return failureSentinel
	}

	return string(output)
}

func envSlice(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
