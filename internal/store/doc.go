// Package store provides a SQLite-backed docstore.Store.
//
// Documents are stored one row per path in the documents table with their
// body encoded as BSON. Top-level array fields are mirrored into the
// array_members table so that "array contains" queries (the reverse
// dependency lookup used by propagation) are index scans rather than table
// scans.
//
// # Encoding
//
//   - IRTimestamp values become BSON datetimes (millisecond precision)
//   - IRRef values become {"$ref": path} subdocuments
//   - IRTime values are converted to IRTimestamp before encoding
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: array_members rows cascade with their document
//   - _txlock=immediate: transactions take the write lock up front
//
// SQLITE_BUSY and SQLITE_LOCKED surface as docstore.ErrUnavailable so the
// batched writer can retry them.
package store
