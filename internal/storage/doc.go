// Package storage is the data store sitegen renders from.
//
// A single SQLite database (pure Go driver, no cgo) holds:
//   - boards, threads and posts (read by the renderer)
//   - the overboard thread set (maintained by the overboard producer)
//   - the generation log (appended by the diagnostic sink)
package storage
