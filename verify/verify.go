// Package verify compares a rebuilt .buildinfo's recorded checksums against
// the original's. The comparison is pure and deterministic.
package verify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Debian/debrebuild/buildinfo"
)

// ErrFileCountDiffers is returned when the set of non-.dsc filenames
// recorded by the original and the rebuilt BuildInfo have different
// cardinality.
type ErrFileCountDiffers struct {
	Original []string
	Rebuilt  []string
}

func (e *ErrFileCountDiffers) Error() string {
	return fmt.Sprintf("verify: file count differs: original has %d, rebuilt has %d", len(e.Original), len(e.Rebuilt))
}

// MismatchKind enumerates the per-file defects rule 2 can find.
type MismatchKind int

const (
	SizeDiffers MismatchKind = iota
	MissingChecksumAlg
	ChecksumDiffers
)

func (k MismatchKind) String() string {
	switch k {
	case SizeDiffers:
		return "SizeDiffers"
	case MissingChecksumAlg:
		return "MissingChecksumAlg"
	case ChecksumDiffers:
		return "ChecksumDiffers"
	default:
		return "Unknown"
	}
}

// Mismatch describes one checksum disagreement between the original and
// rebuilt BuildInfo.
type Mismatch struct {
	Kind     MismatchKind
	Filename string
	Alg      string // empty for SizeDiffers
}

func (m Mismatch) Error() string {
	switch m.Kind {
	case SizeDiffers:
		return fmt.Sprintf("verify: SizeDiffers(%s)", m.Filename)
	case MissingChecksumAlg:
		return fmt.Sprintf("verify: MissingChecksumAlg(%s, %s)", m.Filename, m.Alg)
	case ChecksumDiffers:
		return fmt.Sprintf("verify: ChecksumDiffers(%s, %s)", m.Filename, m.Alg)
	default:
		return "verify: unknown mismatch"
	}
}

// nonDscFiles returns filenames excluding *.dsc, sorted for deterministic
// comparison. The source description is not regenerated identically, so
// the original's .dsc entry is never compared.
func nonDscFiles(checksums map[string]*buildinfo.ChecksumEntry) []string {
	var out []string
	for f := range checksums {
		if strings.HasSuffix(f, ".dsc") {
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Verify compares original against rebuilt. It returns nil if and only if
// every non-.dsc filename in original matches rebuilt's recorded size and
// all hash values.
func Verify(original, rebuilt *buildinfo.BuildInfo) error {
	origFiles := nonDscFiles(original.Checksums)
	rebuiltFiles := nonDscFiles(rebuilt.Checksums)
	if len(origFiles) != len(rebuiltFiles) {
		return &ErrFileCountDiffers{Original: origFiles, Rebuilt: rebuiltFiles}
	}

	for _, filename := range origFiles {
		origEntry := original.Checksums[filename]
		rebuiltEntry, ok := rebuilt.Checksums[filename]
		if !ok {
			return Mismatch{Kind: MissingChecksumAlg, Filename: filename}
		}
		if origEntry.Size != rebuiltEntry.Size {
			return Mismatch{Kind: SizeDiffers, Filename: filename}
		}

		algs := make([]string, 0, len(origEntry.Hashes))
		for alg := range origEntry.Hashes {
			algs = append(algs, alg)
		}
		sort.Strings(algs)
		for _, alg := range algs {
			want := origEntry.Hashes[alg]
			got, ok := rebuiltEntry.Hashes[alg]
			if !ok {
				return Mismatch{Kind: MissingChecksumAlg, Filename: filename, Alg: alg}
			}
			if !strings.EqualFold(want, got) {
				return Mismatch{Kind: ChecksumDiffers, Filename: filename, Alg: alg}
			}
		}
	}

	return nil
}
