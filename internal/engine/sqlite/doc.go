// Package sqlite implements engine.Engine on SQLite, using the pure Go
// modernc.org/sqlite driver by default or mattn/go-sqlite3 when built with cgo.
package sqlite
