/*
Package executor is the Task Executor (C7): it owns job/user lifecycle,
starts and stops the per-task process via pkg/supervisor, and reports task
completion back to the head node.

Executor holds no lock of its own: job/user bookkeeping shares the task
table's Mu so a single writer-locked section can mutate both the task
table and the user/job maps atomically, matching the concurrency model
pkg/tasktable documents.
*/
package executor
