// Package routing owns the reloadable routing snapshot: mirror rewrites,
// ordered allow/deny rules, upstream proxy selection and the cache/patch roots.
// A Snapshot is immutable once built; Source swaps whole snapshots atomically
// so readers never observe a half-applied configuration.
package routing
