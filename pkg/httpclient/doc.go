// Package httpclient provides the HTTP client and request-building
// helpers shared by the reporter engine, naming client, and hosts
// manager. It holds no state of its own.
package httpclient
