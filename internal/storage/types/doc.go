// Package types defines the core data types used throughout the storage engine.
//
// Key types:
//   - ChannelID: one of the fixed raw or derived power-flow channels
//   - Reading: an unvalidated record arriving at an ingestion boundary
//   - Sample: an accepted measurement owned by a channel window
//   - RollupBucket: aggregated statistics for one time bucket
//   - Tier: rollup resolution and retention
//   - Snapshot: consistent point-in-time view of every channel
package types
