// Package config holds the node manager's local configuration: the set of
// URIs and intervals that tell this agent where the head node lives and how
// often to talk to it. Values are seeded once from an optional YAML file and
// persisted in a bbolt database so the agent's current URIs (handed to it
// by head-node Ping/Metric calls) survive a restart without needing the
// seed file again.
package config
