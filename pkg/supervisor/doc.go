/*
Package supervisor spawns and supervises the OS processes backing each
task: it places the child in a task-scoped cgroup, redirects stdio,
applies CPU affinity, and delivers exactly one completion callback when
the child exits, with a SIGTERM-then-SIGKILL kill path for cancellation.

It is deliberately unaware of jobs, users, or the head node — pkg/executor
owns all of that and talks to a Supervisor only through ProcessSpec,
Start, Kill, Stats, and PeekOutput.
*/
package supervisor
