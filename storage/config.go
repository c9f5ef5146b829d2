/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package storage

import (
	"time"
	"unicode"

	"github.com/docker/go-units"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DurabilityMode controls how aggressively the segment writer calls fsync.
type DurabilityMode uint8

const (
	// MaxDurability fsyncs the segment file on every append, and the parent
	// directory after rotation. This is the default.
	MaxDurability DurabilityMode = iota
	// Balanced fsyncs the segment and dedup files once every
	// BalancedEveryAppends appends. BalancedInterval is not consulted: no
	// timer flushes pending appends between writes.
	Balanced
	// Performance never fsyncs; losses are bounded to what the OS page cache
	// has not yet flushed.
	Performance
)

func (m DurabilityMode) String() string {
	switch m {
	case MaxDurability:
		return "max-durability"
	case Balanced:
		return "balanced"
	case Performance:
		return "performance"
	default:
		return "unknown"
	}
}

// Config carries the options recognized by the engine per spec.md §6. Fields
// with a "Raw" size suffix accept human-readable strings ("256MB") parsed
// with github.com/docker/go-units; the parsed value lives in the sibling
// field without the suffix.
type Config struct {
	DataDir string // root path for all aggregates

	MaxLogFileSizeRaw string // e.g. "256MB"; parsed into MaxLogFileSize
	MaxLogFileSize    int64  // rotation threshold in bytes

	SnapshotEvery int // events between auto-snapshots, per aggregate

	Durability DurabilityMode

	BalancedEveryAppends int           // Balanced mode: fsync every N appends
	BalancedInterval     time.Duration // Balanced mode: stored only; no time-based fsync reads it

	ArchiveCompacted bool // mirror truncated compaction tail to a cold xz archive
}

// DefaultConfig returns the documented defaults (MaxDurability, 256MB
// segments, snapshot every 1000 events).
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:              dataDir,
		MaxLogFileSizeRaw:    "256MB",
		MaxLogFileSize:       256 * 1000 * 1000,
		SnapshotEvery:        1000,
		Durability:           MaxDurability,
		BalancedEveryAppends: 100,
		BalancedInterval:     200 * time.Millisecond,
	}
}

// ResolveSizes parses the human-readable size fields into their byte-count
// counterparts. Call after populating Config from flags/env so that
// MaxLogFileSizeRaw (if set) overrides MaxLogFileSize.
func (c *Config) ResolveSizes() error {
	if c.MaxLogFileSizeRaw == "" {
		return nil
	}
	n, err := units.FromHumanSize(c.MaxLogFileSizeRaw)
	if err != nil {
		return err
	}
	c.MaxLogFileSize = n
	return nil
}

// normalizeAggregateName folds case and strips diacritics so that two
// operators typing "Articles" and "articles" address the same on-disk
// directory. The empty string is preserved verbatim (it names the global
// bucket, per spec.md §3).
func normalizeAggregateName(name string) string {
	if name == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, name)
	if err != nil {
		return name
	}
	return out
}
