package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// Supervisor is the registry of live supervised processes, keyed by the
// executor's processKey. It owns nothing about jobs or users; it only
// spawns, signals, and reaps.
type Supervisor struct {
	mu        sync.Mutex
	processes map[uint64]*Process
}

// NewSupervisor returns an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{processes: make(map[uint64]*Process)}
}

// Start spawns spec under a task-scoped cgroup and registers it under key.
// onComplete fires exactly once, from a goroutine owned by the returned
// Process, when the child is reaped — on both normal and abnormal exit.
func (s *Supervisor) Start(ctx context.Context, key uint64, spec ProcessSpec, onComplete CompletionFunc) (*Process, error) {
	wrapped := func(exitCode int, message string, stats tasktable.ProcessStatistics) {
		s.mu.Lock()
		delete(s.processes, key)
		s.mu.Unlock()
		onComplete(exitCode, message, stats)
	}

	p, err := startProcess(ctx, key, spec, wrapped)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.processes[key] = p
	s.mu.Unlock()

	return p, nil
}

// Get returns the live process registered under key, if any.
func (s *Supervisor) Get(key uint64) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[key]
	return p, ok
}

// Kill looks up the process registered under key and kills it; it is a
// no-op (returning an error) if the key is no longer registered, which
// happens when the child has already been reaped.
func (s *Supervisor) Kill(key uint64, forced bool) error {
	p, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("supervisor: no process registered for key %d", key)
	}
	p.Kill(forced)
	return nil
}

// Stats returns the latest cgroup snapshot for key, or a terminated
// snapshot if the key is no longer registered.
func (s *Supervisor) Stats(key uint64) tasktable.ProcessStatistics {
	p, ok := s.Get(key)
	if !ok {
		return tasktable.ProcessStatistics{IsTerminated: true}
	}
	return p.Stats()
}

// PeekOutput returns the buffered stdout tail for key, or nil if the key
// is not registered.
func (s *Supervisor) PeekOutput(key uint64) ([]byte, bool) {
	p, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	return p.PeekOutput(), true
}

// Count returns the number of processes currently supervised.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}
