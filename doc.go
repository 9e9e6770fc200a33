/*
Package tabdb stores tabular datasets on top of a key-value store (Bolt, or a
transient in-memory store for tests).

We implement:

1. Datasets, registry records holding a schema, row count, readiness state and
the map of linked (aggregate) datasets.

2. Rows, scoped to their dataset, readable as a Frame or through a lazy cursor
with filtering, projection, ordering and limits.

3. Calculations, the stored formulas of a dataset.

4. Summaries, per-column statistics cached per dataset version and recomputed
in the background after every row-set mutation.

# Technical Details

**Buckets.**
Four root buckets: datasets, rows, calculations, summaries. Rows and
calculations use one nested bucket per dataset, so dropping all rows of a
dataset is a single bucket deletion.

**Row keys.**
A row key is its big-endian ordinal within the dataset, so iteration order is
insertion order. Appends continue after the last key.

**Scoping.**
Every stored row carries _dataset_id equal to its owning dataset. It is
stamped on save, overwriting whatever the caller had there, and rows with a
different value are never returned.

**Schema.**
The first save infers the schema from the frame: labels become slugs, and the
frame's columns are renamed accordingly. Later saves only append entries for
new columns, with the column name used as both slug and label.

**Values.**
msgpack of the row map. Decoded numbers become float64 and times become UTC,
so rows always hold nil, float64, string, bool or time.Time.

**Summaries.**
tx.InvalidateSummary is the one invalidation signal: it bumps the dataset
version, drops the stored summary and, after commit, wakes the background
worker. DB.Summary computes a missing or stale summary on demand.
*/
package tabdb
