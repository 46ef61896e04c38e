// Package archive writes evicted rollup buckets to Parquet files and
// queries them with DuckDB.
//
// Files are laid out as {dir}/{tier}/{first_start}_{last_end}.parquet so
// retention can expire them without opening them. The archive is optional;
// the in-memory rollup store remains the source of truth for its window.
package archive
