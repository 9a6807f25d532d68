// Package statcache defines the domain model shared by the acquisition and
// caching engine: cache entries, the keyspace, fetch outcomes, the key
// grammar, and the contracts between the store, the fetcher, the remote
// snapshot source, and the refresh coordinator.
package statcache
