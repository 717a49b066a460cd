// Package resources provides the URI-addressable artifact cache shared by
// workflow sessions.
//
// Artifacts produced by pipeline stages (Dockerfiles, manifests, scan
// reports, sampling winners) are published under a restricted URI scheme
// and retrieved by later stages, the HTTP API, and MCP tools. Entries carry
// an optional TTL; expired entries are evicted lazily by the operation that
// encounters them, so reads never observe a stale entry regardless of
// whether a background sweep has run.
//
// Example usage:
//
//	store, _ := resources.NewStore(resources.DefaultConfig(), logger)
//	uri, _ := store.Publish(ctx, "session://abc123/dockerfile", content, nil)
//	res, _ := store.Read(ctx, uri)
//	n, _ := store.Invalidate(ctx, "session://abc123/*")
package resources
