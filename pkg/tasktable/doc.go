// Package tasktable holds the in-memory job/task state the executor
// mutates and the heartbeat reporter snapshots. Table's methods do not
// lock internally: the executor owns a single read/write lock that also
// guards its process and user-assignment maps, and takes it around every
// call here, matching how the table is specified to be a passive
// structure rather than its own synchronization domain.
package tasktable
