// Package buildinfo parses and represents the Debian .buildinfo control-file
// dialect: the recorded metadata of a prior package build (source, version,
// installed build-dependencies with exact version pins, architecture,
// environment, and artifact checksums).
package buildinfo

import (
	"errors"
	"fmt"
	"time"

	"pault.ag/go/debian/version"
)

// Errors returned by Parse. The orchestrator surfaces these verbatim to
// stderr; none are recoverable.
var (
	ErrMissingRequired = errors.New("buildinfo: missing required field")
	ErrMultipleArch    = errors.New("buildinfo: more than one concrete architecture")
	ErrBadDate         = errors.New("buildinfo: malformed Build-Date")
	ErrUnknownSuite    = errors.New("buildinfo: base-files version maps to no known suite")
)

// InvalidFieldError wraps a malformed field value (a dependency line, an
// environment assignment, ...) with the field name that produced it.
type InvalidFieldError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("buildinfo: invalid %s field value %q: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidFieldError) Unwrap() error { return e.Err }

// Package identifies a single installed build-dependency or produced
// binary. Identity is (Name, Version, Architecture). Architecture is empty
// unless the input records a ":arch" qualifier; FirstSeen and Hash start
// empty. The snapshot client fills in all three during resolution.
type Package struct {
	Name         string
	Version      version.Version
	Architecture string

	// FirstSeen is the earliest timestamp at which this (name, version,
	// hash) tuple was observed in the snapshot archive. Zero until resolved.
	FirstSeen time.Time

	// Hash is the snapshot archive's content hash for the resolved file.
	// Nil until resolved.
	Hash []byte
}

// ChecksumEntry holds the recorded size and a set of hex-encoded digests
// (keyed by algorithm, e.g. "sha256", "md5sum") for one produced artifact,
// aggregated across the .buildinfo's Checksums-<alg> paragraphs.
type ChecksumEntry struct {
	Size   int64
	Hashes map[string]string // alg (lowercase) -> hex digest
}

// BuildInfo is the parsed, normalized .buildinfo record.
type BuildInfo struct {
	Source  string
	Version version.Version

	// Architecture holds the concrete Debian arch tokens remaining after
	// the "source"/"all" flags are extracted (invariant: at most one).
	Architecture []string

	BuildSource  bool
	BuildArchAll bool
	BuildArchAny bool

	Binary []string

	BuildArch string
	HostArch  string
	BuildPath string
	BuildDate time.Time

	// Checksums is keyed by filename; every file present in one
	// Checksums-<alg> paragraph must appear, with identical Size, in all
	// others.
	Checksums map[string]*ChecksumEntry

	// BuildDepends preserves Installed-Build-Depends order; each entry's
	// Version is an exact equality pin.
	BuildDepends []*Package

	Env map[string]string
}

// Suite derives the Debian release code name from the base-files
// build-dependency's pinned version. It is computed lazily (not cached on
// BuildInfo) since not every caller needs it.
func (b *BuildInfo) Suite() (string, error) {
	for _, dep := range b.BuildDepends {
		if dep.Name != "base-files" {
			continue
		}
		major := majorComponent(dep.Version.String())
		if suite, ok := suiteByMajor[major]; ok {
			return suite, nil
		}
		return "", fmt.Errorf("%w: base-files %s", ErrUnknownSuite, dep.Version.String())
	}
	return "", fmt.Errorf("%w: base-files", ErrMissingRequired)
}

// SnapshotTimestamp formats BuildDate as the YYYYMMDDTHHMMSSZ path segment
// used to address the snapshot archive.
func (b *BuildInfo) SnapshotTimestamp() string {
	return FormatSnapshotTimestamp(b.BuildDate)
}

// FormatSnapshotTimestamp renders t as the snapshot archive's canonical
// YYYYMMDDTHHMMSSZ path segment, in UTC.
func FormatSnapshotTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// majorComponent returns the leading run of digits of a Debian version
// string, e.g. "11.1" -> "11", "6.0.10" -> "6".
func majorComponent(v string) string {
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	return v[:end]
}
