// Package sysinfo samples this node's CPU and memory capacity from /proc,
// the local equivalent of the resource inventory a cluster manager would
// otherwise be told about by a scheduler-side node registration.
package sysinfo
