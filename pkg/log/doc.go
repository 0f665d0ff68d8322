/*
Package log provides structured logging for the node manager agent using zerolog.

A single global Logger is configured once via Init and used directly or through
scoped child loggers (WithComponent, WithNodeName, WithJob, WithTask) that attach
job/task identifiers so a single task's lifecycle can be filtered out of the agent's
log stream. UnknownID-valued scopes (job- or node-level events with no task) are
logged through WithJob or WithComponent rather than WithTask.

Console output is used for interactive runs, JSON output for head-node-scraped
log shipping; both include a timestamp on every line.
*/
package log
