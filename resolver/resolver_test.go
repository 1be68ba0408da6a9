package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"pault.ag/go/debian/version"

	"github.com/Debian/debrebuild/buildinfo"
)

// fakeCache models "does (name, exact-version, arch) exist, given these
// sources.list lines" purely in memory, keyed by the full apt line so tests
// can control exactly which refresh unlocks which package.
type fakeCache struct {
	// byLine maps an apt line to the set of "name@version" pairs it makes
	// available.
	byLine    map[string]map[string]bool
	refreshed []string
	available map[string]bool
}

func newFakeCache(byLine map[string]map[string]bool) *fakeCache {
	return &fakeCache{byLine: byLine, available: map[string]bool{}}
}

func (f *fakeCache) Refresh(ctx context.Context, sourcesLines []string) error {
	f.refreshed = sourcesLines
	f.available = map[string]bool{}
	for _, line := range sourcesLines {
		for k := range f.byLine[line] {
			f.available[k] = true
		}
	}
	return nil
}

func (f *fakeCache) Has(ctx context.Context, name, ver, arch string) (bool, error) {
	return f.available[name+"@"+ver], nil
}

func mkPkg(t *testing.T, name, ver string, firstSeen time.Time) *buildinfo.Package {
	t.Helper()
	v, err := version.Parse(ver)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", ver, err)
	}
	return &buildinfo.Package{Name: name, Version: v, FirstSeen: firstSeen}
}

func TestResolveCoverageOrdering(t *testing.T) {
	t1 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

	var deps []*buildinfo.Package
	for i := 0; i < 9; i++ {
		deps = append(deps, mkPkg(t, "pkg"+string(rune('a'+i)), "1.0", t1))
	}
	deps = append(deps, mkPkg(t, "solo", "2.0", t2))

	line1 := "deb http://mirror/" + buildinfo.FormatSnapshotTimestamp(t1) + " unstable main"
	line2 := "deb http://mirror/" + buildinfo.FormatSnapshotTimestamp(t2) + " unstable main"

	avail := map[string]map[string]bool{
		line1: {},
		line2: {"solo@2.0": true},
	}
	for _, d := range deps[:9] {
		avail[line1][d.Name+"@1.0"] = true
	}

	cache := newFakeCache(avail)
	selected, err := Resolve(context.Background(), cache, "http://mirror", deps)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("len(selected) = %d, want 2", len(selected))
	}
	if selected[0].AptLine != line1 {
		t.Errorf("selected[0] = %q, want the 9-package bucket first", selected[0].AptLine)
	}
	if selected[1].AptLine != line2 {
		t.Errorf("selected[1] = %q, want the 1-package bucket second", selected[1].AptLine)
	}
}

func TestResolveUnresolvable(t *testing.T) {
	t1 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	deps := []*buildinfo.Package{mkPkg(t, "ghost", "9.9", t1)}
	cache := newFakeCache(map[string]map[string]bool{})

	_, err := Resolve(context.Background(), cache, "http://mirror", deps)
	var unresolved *ErrUnresolvedDependencies
	if !errors.As(err, &unresolved) {
		t.Fatalf("err = %v, want *ErrUnresolvedDependencies", err)
	}
	if len(unresolved.Remaining) != 1 || unresolved.Remaining[0].Name != "ghost" {
		t.Errorf("Remaining = %v", unresolved.Remaining)
	}
}

func TestResolveMinimalHappyPath(t *testing.T) {
	ts := time.Date(2021, 5, 4, 12, 0, 0, 0, time.UTC)
	deps := []*buildinfo.Package{
		mkPkg(t, "base-files", "11.1", ts),
		mkPkg(t, "libc6", "2.31-13", ts),
	}
	line := "deb http://mirror/" + buildinfo.FormatSnapshotTimestamp(ts) + " unstable main"
	cache := newFakeCache(map[string]map[string]bool{
		line: {"base-files@11.1": true, "libc6@2.31-13": true},
	})

	selected, err := Resolve(context.Background(), cache, "http://mirror", deps)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("len(selected) = %d, want 1", len(selected))
	}
}
