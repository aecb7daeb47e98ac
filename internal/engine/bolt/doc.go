// Package bolt implements engine.Engine on a bbolt file.
package bolt
