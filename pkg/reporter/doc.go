/*
Package reporter implements the generic periodic-push engine shared by
every outbound channel this agent has to the head node: registration,
heartbeats, metric packets, and (via pkg/hosts) the /etc/hosts refresh.

A Reporter is built from four callbacks plus a Sender: ResolveURI finds
where to send, Fetch produces the payload to send, and Sender actually
puts it on the wire (HTTP POST or a raw UDP datagram). This mirrors the
original system's template-parameterized Reporter<T>, re-expressed as
plain interfaces and function values since idiomatic Go doesn't reach for
generics to get one reusable ticker loop.
*/
package reporter
