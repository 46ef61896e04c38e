// Package storage implements the gridpulse energy-flow engine: validated
// ingestion of power readings, derived channels, recent windows, rollup
// buckets and published snapshots.
//
// Architecture:
//
//	┌────────────┐   ┌───────────┐   ┌───────────┐   ┌────────────┐
//	│ Validation │──▶│  Journal  │──▶│  Windows  │──▶│  Snapshot  │──▶ subscribers
//	└────────────┘   └───────────┘   └───────────┘   └────────────┘
//	                                      │
//	                     ┌────────────────┼────────────────┐
//	                     ▼                ▼                ▼
//	               ┌──────────┐    ┌────────────┐   ┌────────────┐
//	               │  Derive  │    │   Rollup   │──▶│  Archive   │
//	               │(grid/SOC)│    │   tiers    │   │ (Parquet)  │
//	               └──────────┘    └────────────┘   └────────────┘
//
// All raw readings pass through one ordered queue and one worker, so
// derived channels and snapshot generations are deterministic. Reads use
// atomically published snapshots or copy rollup buckets under a read lock.
//
// The engine provides:
//   - Per-channel validation with configurable physical bounds
//   - grid_import, grid_export and battery SOC derived on every raw update
//   - Multi-tier rollups with DDSketch percentiles
//   - Bounded, isolated subscriber fan-out
//   - An optional replay journal and Parquet archive queried with DuckDB
//   - Backpressure on the ingestion queue
package storage
