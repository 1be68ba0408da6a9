package resolver

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecAptCache drives the host's apt tooling against an ephemeral apt root
// (package environment's AptRoot). It is the production AptCache
// implementation; Refresh runs "apt-get update" and Has runs
// "apt-cache madison".
type ExecAptCache struct {
	// RootDir is the ephemeral apt root's base directory, passed to apt via
	// -o Dir=<RootDir>.
	RootDir string
}

func (c *ExecAptCache) aptArgs(extra ...string) []string {
	args := []string{"-o", "Dir=" + c.RootDir, "-o", "Dir::Etc::sourcelist=" + c.RootDir + "/etc/apt/sources.list"}
	return append(args, extra...)
}

// Refresh rewrites the apt root's sources.list to exactly sourcesLines and
// runs "apt-get update" against it, so each selection round observes every
// candidate line appended so far.
func (c *ExecAptCache) Refresh(ctx context.Context, sourcesLines []string) error {
	listPath := filepath.Join(c.RootDir, "etc/apt/sources.list")
	content := strings.Join(sourcesLines, "\n") + "\n"
	if err := os.WriteFile(listPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", listPath, err)
	}
	cmd := exec.CommandContext(ctx, "apt-get", c.aptArgs("update")...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apt-get update: %w: %s", err, out)
	}
	return nil
}

// Has shells out to "apt-cache madison" and scans for an exact (version,
// arch) match.
func (c *ExecAptCache) Has(ctx context.Context, name, version, arch string) (bool, error) {
	cmd := exec.CommandContext(ctx, "apt-cache", c.aptArgs("madison", name)...)
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// apt-cache madison exits non-zero for "package unknown", which
			// simply means "not found" rather than a hard failure.
			return false, nil
		}
		return false, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			continue
		}
		pkgVersion := strings.TrimSpace(fields[1])
		if pkgVersion != version {
			continue
		}
		if arch == "" || arch == "all" {
			return true, nil
		}
		if len(fields) < 3 {
			continue
		}
		// The third column names the index, e.g. "<url> <suite>/main amd64 Packages".
		for _, tok := range strings.Fields(fields[2]) {
			if tok == arch {
				return true, nil
			}
		}
	}
	return false, nil
}

// Fetcher retrieves raw bytes for an index URL, matching
// *snapshot.Client's Fetch method so IndexAptCache does not need to import
// package snapshot directly.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// IndexAptCache is the design note's stated fallback: it answers Has by
// parsing Packages.gz indexes fetched directly from the snapshot mirror
// instead of delegating to a locally installed apt. It is used by the
// resolver's own tests (no apt required) and is a reasonable standalone
// substitute when the host has no apt-get.
type IndexAptCache struct {
	Fetcher Fetcher

	packages map[string][]indexEntry // name -> entries
}

type indexEntry struct {
	Version string
	Arch    string
}

// Refresh downloads and parses "<base>/Packages.gz" for every "deb <base> ..."
// line in sourcesLines. Mapping a sources line to its per-arch
// dists/<suite>/<component>/binary-<arch>/Packages.gz path is mirror-layout
// specific, so IndexAptCache flattens the lookup to the line's base URL; a
// missing index is skipped and simply yields no matches from that line.
func (c *IndexAptCache) Refresh(ctx context.Context, sourcesLines []string) error {
	c.packages = map[string][]indexEntry{}
	for _, line := range sourcesLines {
		url, ok := packagesURLFromSourcesLine(line)
		if !ok {
			continue
		}
		data, err := c.Fetcher.Fetch(ctx, url)
		if err != nil {
			continue // best-effort: a missing per-arch index just yields no matches from this line
		}
		entries, err := parsePackagesIndex(data)
		if err != nil {
			return err
		}
		for name, es := range entries {
			c.packages[name] = append(c.packages[name], es...)
		}
	}
	return nil
}

func (c *IndexAptCache) Has(ctx context.Context, name, version, arch string) (bool, error) {
	for _, e := range c.packages[name] {
		if e.Version == version && (arch == "" || e.Arch == arch || e.Arch == "all") {
			return true, nil
		}
	}
	return false, nil
}

func packagesURLFromSourcesLine(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "deb" {
		return "", false
	}
	return strings.TrimRight(fields[1], "/") + "/Packages.gz", true
}

// parsePackagesIndex parses a gzip-compressed Debian Packages index into a
// name -> []indexEntry map.
func parsePackagesIndex(data []byte) (map[string][]indexEntry, error) {
	gz, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	result := map[string][]indexEntry{}
	var name, version, arch string
	flush := func() {
		if name != "" {
			result[name] = append(result[name], indexEntry{Version: version, Arch: arch})
		}
		name, version, arch = "", "", ""
	}

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "Package:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "Package:"))
		case strings.HasPrefix(line, "Version:"):
			version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		case strings.HasPrefix(line, "Architecture:"):
			arch = strings.TrimSpace(strings.TrimPrefix(line, "Architecture:"))
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
