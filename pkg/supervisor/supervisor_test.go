package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// requireCgroups skips the test when the cgroup v1 filesystem isn't
// available or isn't writable by the test process, matching how the rest
// of the suite skips when an external system it needs isn't present.
func requireCgroups(t *testing.T) {
	t.Helper()
	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath("/nmgroup_supervisor_probe"), &specs.LinuxResources{})
	if err != nil {
		t.Skipf("cgroup v1 hierarchy not available: %v", err)
	}
	cg.Delete()
}

func stdioFiles(t *testing.T) (stdout, stderr string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "stdout"), filepath.Join(dir, "stderr")
}

func TestSupervisor_StartDeliversCompletionOnNormalExit(t *testing.T) {
	requireCgroups(t)

	sup := NewSupervisor()
	stdout, stderr := stdioFiles(t)

	completed := make(chan int, 1)
	spec := ProcessSpec{
		JobID: 1, TaskID: 1, RequeueCount: 0,
		Command: "/bin/sh", Args: []string{"-c", "echo hello; exit 3"},
		UID: uint32(os.Getuid()), GID: uint32(os.Getgid()),
		StdoutPath: stdout, StderrPath: stderr,
	}

	_, err := sup.Start(context.Background(), 1, spec, func(exitCode int, message string, stats tasktable.ProcessStatistics) {
		completed <- exitCode
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case code := <-completed:
		if code != 3 {
			t.Errorf("exitCode = %d, want 3", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("completion callback not delivered")
	}

	if sup.Count() != 0 {
		t.Errorf("Count() = %d after completion, want 0 (should be deregistered)", sup.Count())
	}
}

func TestSupervisor_KillGracePeriodEscalatesToSIGKILL(t *testing.T) {
	requireCgroups(t)

	sup := NewSupervisor()
	stdout, stderr := stdioFiles(t)

	completed := make(chan struct{}, 1)
	spec := ProcessSpec{
		JobID: 1, TaskID: 2, RequeueCount: 0,
		Command: "/bin/sh", Args: []string{"-c", `trap "" TERM; sleep 60`},
		UID: uint32(os.Getuid()), GID: uint32(os.Getgid()),
		StdoutPath: stdout, StderrPath: stderr,
	}

	proc, err := sup.Start(context.Background(), 2, spec, func(exitCode int, message string, stats tasktable.ProcessStatistics) {
		completed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Let the child install its TERM trap before we kill it.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	proc.Kill(true)
	elapsed := time.Since(start)

	select {
	case <-completed:
	case <-time.After(15 * time.Second):
		t.Fatal("completion callback not delivered after forced Kill")
	}

	if elapsed < killEscalationInterval {
		t.Errorf("Kill(true) returned after %v, want >= escalation interval %v (SIGTERM was trapped, so SIGKILL must have fired)", elapsed, killEscalationInterval)
	}
}

func TestSupervisor_PeekOutputReturnsBufferedStdout(t *testing.T) {
	requireCgroups(t)

	sup := NewSupervisor()
	stdout, stderr := stdioFiles(t)

	completed := make(chan struct{}, 1)
	spec := ProcessSpec{
		JobID: 1, TaskID: 3, RequeueCount: 0,
		Command: "/bin/sh", Args: []string{"-c", "echo peekme"},
		UID: uint32(os.Getuid()), GID: uint32(os.Getgid()),
		StdoutPath: stdout, StderrPath: stderr,
	}

	proc, err := sup.Start(context.Background(), 3, spec, func(exitCode int, message string, stats tasktable.ProcessStatistics) {
		completed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("completion callback not delivered")
	}

	if got := string(proc.PeekOutput()); got != "peekme\n" {
		t.Errorf("Process.PeekOutput() = %q, want %q", got, "peekme\n")
	}

	if _, ok := sup.PeekOutput(3); ok {
		t.Error("PeekOutput() ok = true after deregistration, want false")
	}
}

func TestSupervisor_KillUnknownKeyErrors(t *testing.T) {
	sup := NewSupervisor()
	if err := sup.Kill(999, true); err == nil {
		t.Error("Kill() on unregistered key returned nil error, want error")
	}
}
