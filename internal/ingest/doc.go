// ABOUTME: Package ingest turns agent metrics frames into cached snapshots.
// ABOUTME: It persists, evaluates alerts and fans snapshots out to dashboards.

// Package ingest implements the metrics ingestion pipeline.
//
// # Pipeline
//
// Each metrics frame runs through a fixed sequence of stages:
//
//  1. Decode the snapshot; an unparseable timestamp becomes the receive time
//  2. Overwrite the latest-value cache for the server
//  3. Persist the sample
//  4. Mark the server online and bump last-seen
//  5. Evaluate alert thresholds
//  6. Broadcast to metrics subscribers
//
// Only a malformed payload stops processing. Failures in later stages are
// returned as *StageError values joined together so the caller can log them
// and still acknowledge the frame.
//
// # Cache
//
// Cache holds the most recent snapshot per server and backs the REST reads
// for latest metrics and container lists.
package ingest
