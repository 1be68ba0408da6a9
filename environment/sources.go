// Package environment synthesizes the ephemeral apt root and build plan
// that drive the external chroot/bootstrap builder.
package environment

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// DefaultBaseMirror is the snapshot-pinned Debian archive mirror.
const DefaultBaseMirror = "http://snapshot.debian.org/archive/debian"

// DefaultCurrentMirror is the always-current fallback source mirror.
const DefaultCurrentMirror = "http://deb.debian.org/debian"

// SourcesListConfig parameterizes the base sources list construction.
type SourcesListConfig struct {
	BaseMirror              string
	CurrentMirror           string
	CurrentMirrorFallback   bool // opt-in: current mirror may drift from the snapshot
	Suite                   string
	SnapshotTimestamp       string
	// ExtraRepositoryFiles are paths to files whose apt source lines are
	// appended; comment and blank lines are dropped.
	ExtraRepositoryFiles    []string
	SelectedSnapshotSources []string // apt lines chosen by package resolver
}

// releaseProbe is injected so tests need not perform a real network HEAD.
type releaseProbe func(ctx context.Context, url string) (bool, error)

// HTTPHeadProbe issues a HEAD request and reports whether it returned 200.
func HTTPHeadProbe(client *http.Client) releaseProbe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	}
}

// BuildSourcesList renders the full apt sources.list content:
// a timestamp-pinned base entry (if its Release file is reachable), the
// resolver's selected snapshot sources, the optional current-mirror
// fallback, and the lines read from any caller-supplied extra repository
// files.
func BuildSourcesList(ctx context.Context, probe releaseProbe, cfg SourcesListConfig) ([]string, error) {
	baseMirror := cfg.BaseMirror
	if baseMirror == "" {
		baseMirror = DefaultBaseMirror
	}
	currentMirror := cfg.CurrentMirror
	if currentMirror == "" {
		currentMirror = DefaultCurrentMirror
	}

	var lines []string

	releaseURL := fmt.Sprintf("%s/%s/dists/%s/Release", baseMirror, cfg.SnapshotTimestamp, cfg.Suite)
	ok, err := probe(ctx, releaseURL)
	if err != nil {
		return nil, fmt.Errorf("environment: probing %s: %w", releaseURL, err)
	}
	if ok {
		lines = append(lines,
			fmt.Sprintf("deb %s/%s/ %s main", baseMirror, cfg.SnapshotTimestamp, cfg.Suite),
			fmt.Sprintf("deb-src %s/%s/ unstable main", baseMirror, cfg.SnapshotTimestamp),
		)
	}

	lines = append(lines, cfg.SelectedSnapshotSources...)

	if cfg.CurrentMirrorFallback {
		lines = append(lines, fmt.Sprintf("deb-src %s %s main", currentMirror, cfg.Suite))
	}

	for _, path := range cfg.ExtraRepositoryFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("environment: reading extra repository file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
		}
	}

	return lines, nil
}
