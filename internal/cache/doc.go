// Package cache maps request URLs onto the on-disk trees the proxy serves
// from. Two roots are consulted per request: the patch root, which holds
// manual overrides and synthesized checksum files, and the cache root, which
// holds fetched artifacts laid out as <root>/<host>[/<port>]/<path>.
//
// The package also owns the sibling artifacts that live next to a cached
// file: <file>.status negative-cache markers and <file>.bak single-generation
// backups produced by Replace. Nothing in this package removes a .status
// marker; that is left to operators.
package cache
