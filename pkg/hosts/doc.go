// Package hosts implements the Hosts Manager (C8): a periodic reporter
// that fetches a hosts-file body from the head node and atomically
// replaces this node's /etc/hosts with it. It is a thin specialization
// of pkg/reporter, using a file-writing Sender in place of an HTTP/UDP
// one.
package hosts
