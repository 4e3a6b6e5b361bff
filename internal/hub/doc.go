// Package hub fans out pushes to dashboard subscribers grouped by server ID.
//
// Broadcast snapshots the subscriber set under a read lock, releases it, and
// delivers concurrently. A subscriber whose Send fails is removed from the
// live set; the remaining deliveries still proceed.
package hub
