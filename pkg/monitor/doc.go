// Package monitor produces the two payloads the register and metric
// reporters push toward the head node: a JSON registration snapshot
// describing this node's identity and capacity, and a fixed-layout binary
// packet summarizing current CPU/memory usage across the tasks this node
// is supervising.
package monitor
