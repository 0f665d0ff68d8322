package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// killEscalationInterval is how long Kill waits after SIGTERM before
// sending SIGKILL when forced. Short enough that a forced kill resolves
// well inside any grace period a caller is itself waiting out.
const killEscalationInterval = 500 * time.Millisecond

// peekBufferSize bounds how much of a task's stdout PeekOutput can return.
const peekBufferSize = 64 * 1024

// ProcessSpec describes a child process to spawn under a task-scoped
// cgroup.
type ProcessSpec struct {
	JobID        int
	TaskID       int
	RequeueCount int

	Command string
	Args    []string
	Env     []string
	Dir     string

	UID, GID uint32
	Affinity []int

	StdinPath, StdoutPath, StderrPath string
}

// CompletionFunc is delivered exactly once when the supervised child is
// reaped, on both normal and abnormal exit.
type CompletionFunc func(exitCode int, message string, stats tasktable.ProcessStatistics)

// Process is one supervised child: its cgroup, its stdio, and the
// completion callback owed to the caller when it exits.
type Process struct {
	key  uint64
	spec ProcessSpec

	cmd        *exec.Cmd
	cgroup     cgroups.Cgroup
	cgroupPath string
	ring       *ringBuffer

	mu       sync.Mutex
	killed   bool
	reported bool

	logger zerolog.Logger
}

func cgroupName(taskID, requeueCount int) string {
	return fmt.Sprintf("nmgroup_Task_%d_%d", taskID, requeueCount)
}

// startProcess spawns spec's command under a fresh cgroup and launches the
// reaper goroutine spec.md assigns to the Supervisor, which waits for the
// child and gathers final statistics. Stdout goes to an io.MultiWriter
// (stdout file plus peek ring), copied by os/exec's own goroutine that
// cmd.Wait joins, rather than tailed by a second goroutine racing
// cmd.Wait's pipe teardown.
func startProcess(ctx context.Context, key uint64, spec ProcessSpec, onComplete CompletionFunc) (*Process, error) {
	logger := log.WithTask(spec.JobID, spec.TaskID, spec.RequeueCount)

	cgroupPath := "/" + cgroupName(spec.TaskID, spec.RequeueCount)
	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(cgroupPath), &specs.LinuxResources{})
	if err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", cgroupPath, err)
	}

	stdin, stdout, stderr, err := openStdio(spec)
	if err != nil {
		cg.Delete()
		return nil, err
	}

	ring := newRingBuffer(peekBufferSize)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = stdin
	cmd.Stdout = io.MultiWriter(stdout, ring)
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: spec.UID, Gid: spec.GID},
		Setpgid:    true,
	}

	if err := cmd.Start(); err != nil {
		closeStdio(stdin, stdout, stderr)
		cg.Delete()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	if err := cg.Add(cgroups.Process{Pid: cmd.Process.Pid}); err != nil {
		logger.Warn().Err(err).Msg("add pid to cgroup failed")
	}

	if len(spec.Affinity) > 0 {
		applyAffinity(logger, cmd.Process.Pid, spec.Affinity)
	}

	p := &Process{
		key:        key,
		spec:       spec,
		cmd:        cmd,
		cgroup:     cg,
		cgroupPath: cgroupPath,
		ring:       ring,
		logger:     logger,
	}

	go p.reap(onComplete, stdin, stdout, stderr)

	return p, nil
}

func (p *Process) reap(onComplete CompletionFunc, stdin, stdout, stderr *os.File) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("recovered panic in process reaper goroutine")
		}
	}()

	err := p.cmd.Wait()
	closeStdio(stdin, stdout, stderr)

	exitCode := 0
	message := ""
	if err != nil {
		message = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stats := p.Stats()
	p.cgroup.Delete()

	p.mu.Lock()
	already := p.reported
	p.reported = true
	p.mu.Unlock()

	if already {
		return
	}
	onComplete(exitCode, message, stats)
}

// Kill sends SIGTERM to every PID in the process's cgroup, and when forced
// escalates to SIGKILL after killEscalationInterval if the cgroup has not
// yet emptied.
func (p *Process) Kill(forced bool) {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	p.signalAll(syscall.SIGTERM)
	if !forced {
		return
	}

	deadline := time.After(killEscalationInterval)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			p.signalAll(syscall.SIGKILL)
			return
		case <-ticker.C:
			if p.Stats().IsTerminated {
				return
			}
		}
	}
}

func (p *Process) signalAll(sig syscall.Signal) {
	pids, err := p.cgroup.Processes(cgroups.Cpuacct, true)
	if err != nil {
		p.logger.Warn().Err(err).Msg("list cgroup pids for signal failed")
		return
	}
	for _, proc := range pids {
		if err := syscall.Kill(proc.Pid, sig); err != nil && err != syscall.ESRCH {
			p.logger.Warn().Err(err).Int("pid", proc.Pid).Msg("signal pid failed")
		}
	}
}

// Stats returns a snapshot of the process's cgroup: whether it has no
// remaining live PIDs, and the PIDs that do remain.
func (p *Process) Stats() tasktable.ProcessStatistics {
	pids, err := p.cgroup.Processes(cgroups.Cpuacct, true)
	if err != nil {
		return tasktable.ProcessStatistics{IsTerminated: true}
	}

	ids := make([]int, 0, len(pids))
	for _, proc := range pids {
		ids = append(ids, proc.Pid)
	}

	stats := tasktable.ProcessStatistics{
		IsTerminated: len(ids) == 0,
		ProcessIDs:   ids,
	}

	if metric, err := p.cgroup.Stat(cgroups.IgnoreNotExist); err == nil && metric != nil {
		if metric.CPU != nil && metric.CPU.Usage != nil {
			stats.CPUTimeSeconds = float64(metric.CPU.Usage.Total) / 1e9
		}
		if metric.Memory != nil && metric.Memory.Usage != nil {
			stats.MemoryBytes = metric.Memory.Usage.Usage
		}
	}

	return stats
}

// PeekOutput returns the last bounded window of stdout collected so far.
func (p *Process) PeekOutput() []byte {
	return p.ring.Bytes()
}

func openStdio(spec ProcessSpec) (stdin, stdout, stderr *os.File, err error) {
	if spec.StdinPath != "" {
		stdin, err = os.Open(spec.StdinPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open stdin %s: %w", spec.StdinPath, err)
		}
	}
	if stdout, err = os.OpenFile(spec.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		closeStdio(stdin, nil, nil)
		return nil, nil, nil, fmt.Errorf("open stdout %s: %w", spec.StdoutPath, err)
	}
	if stderr, err = os.OpenFile(spec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		closeStdio(stdin, stdout, nil)
		return nil, nil, nil, fmt.Errorf("open stderr %s: %w", spec.StderrPath, err)
	}
	return stdin, stdout, stderr, nil
}

func closeStdio(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func applyAffinity(logger zerolog.Logger, pid int, cpus []int) {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		logger.Warn().Err(err).Ints("affinity", cpus).Msg("set cpu affinity failed")
	}
}
