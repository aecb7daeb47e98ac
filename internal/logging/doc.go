// Package logging configures log/slog for chatstore binaries.
package logging
