// Package resolver computes the minimal set of snapshot-timestamped apt
// sources that together make every pinned build-dependency of a BuildInfo
// installable at its exact recorded version.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Debian/debrebuild/buildinfo"
)

// ErrUnresolvedDependencies is returned when candidate sources are
// exhausted and packages remain unresolved. Remaining holds exactly those
// packages.
type ErrUnresolvedDependencies struct {
	Remaining []*buildinfo.Package
}

func (e *ErrUnresolvedDependencies) Error() string {
	return fmt.Sprintf("resolver: %d build-dependencies could not be resolved to any snapshot source", len(e.Remaining))
}

var ErrAptCacheInit = errors.New("resolver: apt cache initialization failed")

// SelectedSource is one chosen snapshot-timestamped apt line together with
// the build-dependencies it covers.
type SelectedSource struct {
	AptLine string
	Covers  []*buildinfo.Package
}

// AptCache answers "does (name, exact-version, arch) exist, given the
// currently configured sources?" It is injected rather than baked in, so
// tests can supply a fake instead of shelling out to a real apt
// installation.
type AptCache interface {
	// Refresh re-reads package indexes for the given sources.list lines.
	Refresh(ctx context.Context, sourcesLines []string) error
	// Has reports whether (name, version, arch) is installable from the
	// indexes most recently passed to Refresh.
	Has(ctx context.Context, name, version, arch string) (bool, error)
}

// candidate is a bucket of build-depends sharing a first-seen timestamp.
type candidate struct {
	timestamp string
	aptLine   string
	covers    []*buildinfo.Package
}

// Resolve buckets deps by snapshot first-seen timestamp, builds one
// candidate apt source per bucket, and greedily selects candidates
// (largest bucket first) until an apt-cache membership check confirms every
// dependency is satisfied.
func Resolve(ctx context.Context, cache AptCache, baseMirror string, deps []*buildinfo.Package) ([]SelectedSource, error) {
	candidates := buildCandidates(baseMirror, deps)

	notFound := make(map[*buildinfo.Package]bool, len(deps))
	for _, d := range deps {
		notFound[d] = true
	}

	var selected []SelectedSource
	var sourcesLines []string

	for _, cand := range candidates {
		if !candidateStillUseful(cand, notFound) {
			continue
		}
		sourcesLines = append(sourcesLines, cand.aptLine)
		if err := cache.Refresh(ctx, sourcesLines); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAptCacheInit, err)
		}

		selected = append(selected, SelectedSource{AptLine: cand.aptLine, Covers: cand.covers})

		for dep := range notFound {
			ok, err := cache.Has(ctx, dep.Name, dep.Version.String(), resolveArchForCache(dep))
			if err != nil {
				return nil, err
			}
			if ok {
				delete(notFound, dep)
			}
		}

		if len(notFound) == 0 {
			break
		}
	}

	if len(notFound) > 0 {
		remaining := make([]*buildinfo.Package, 0, len(notFound))
		for _, d := range deps {
			if notFound[d] {
				remaining = append(remaining, d)
			}
		}
		return nil, &ErrUnresolvedDependencies{Remaining: remaining}
	}

	return selected, nil
}

func resolveArchForCache(dep *buildinfo.Package) string {
	return dep.Architecture
}

// candidateStillUseful reports whether cand covers at least one package
// still in notFound, i.e. whether appending it can possibly make progress.
func candidateStillUseful(cand candidate, notFound map[*buildinfo.Package]bool) bool {
	for _, pkg := range cand.covers {
		if notFound[pkg] {
			return true
		}
	}
	return false
}

// buildCandidates groups deps by snapshot timestamp and orders the
// resulting candidates by (−coverage_count, input_order_of_first_covered_pkg)
// so the greedy selection in Resolve is deterministic across runs.
func buildCandidates(baseMirror string, deps []*buildinfo.Package) []candidate {
	order := make(map[string]int, len(deps))
	byTimestamp := map[string]*candidate{}
	var timestamps []string

	for i, dep := range deps {
		ts := buildinfo.FormatSnapshotTimestamp(dep.FirstSeen)
		c, ok := byTimestamp[ts]
		if !ok {
			c = &candidate{
				timestamp: ts,
				aptLine:   fmt.Sprintf("deb %s/%s unstable main", baseMirror, ts),
			}
			byTimestamp[ts] = c
			timestamps = append(timestamps, ts)
			order[ts] = i
		}
		c.covers = append(c.covers, dep)
	}

	candidates := make([]candidate, 0, len(timestamps))
	for _, ts := range timestamps {
		candidates = append(candidates, *byTimestamp[ts])
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if len(ci.covers) != len(cj.covers) {
			return len(ci.covers) > len(cj.covers)
		}
		return order[ci.timestamp] < order[cj.timestamp]
	})

	return candidates
}
