/*
Package naming resolves a service name to the URI currently serving it, and
caches the result until the cache is invalidated (Client.InvalidateCache).

Every component that talks to the head node goes through a Client rather
than a hardcoded URI, because the head node's address is itself discovered
through a small set of naming-service endpoints (configured in
pkg/config.Data.NamingServiceURIs) that may rotate which instance answers.
The cache is filled lazily on first use with a double-checked
read-lock/write-lock pattern: a cache hit never blocks on a write lock held
by some other goroutine's first-time fetch, and two goroutines racing on the
same unresolved name only trigger one network round trip.
*/
package naming
