package rebuild

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Debian/debrebuild/buildinfo"
	"github.com/Debian/debrebuild/environment"
	"github.com/Debian/debrebuild/snapshot"
)

const testBuildInfo = `Source: hello
Version: 2.10-2
Architecture: amd64
Build-Architecture: amd64
Build-Date: Tue, 04 May 2021 12:00:00 +0000
Checksums-Sha256:
 abcdef0000000000000000000000000000000000000000000000000000000 54320 hello_2.10-2_amd64.deb
Installed-Build-Depends:
 base-files (= 11.1), libc6 (= 2.31-13)
`

// fakeAptCache satisfies resolver.AptCache, reporting every package
// available (the resolver's own tests cover the selection mechanics;
// rebuild_test only needs Resolve to succeed quickly).
type fakeAptCache struct{}

func (fakeAptCache) Refresh(ctx context.Context, sourcesLines []string) error { return nil }
func (fakeAptCache) Has(ctx context.Context, name, version, arch string) (bool, error) {
	return true, nil
}

// stubBuilder writes a produced .buildinfo identical to the input at
// plan.ExpectedOutput, simulating a builder that exactly reproduces the
// original artifact.
type stubBuilder struct {
	content []byte
}

func (stubBuilder) Name() string { return "stub" }

func (s stubBuilder) Build(ctx context.Context, plan *environment.BuildPlan, logDir string) error {
	return os.WriteFile(plan.ExpectedOutput, s.content, 0o644)
}

func fixedProbe(ok bool) func(ctx context.Context, url string) (bool, error) {
	return func(ctx context.Context, url string) (bool, error) { return ok, nil }
}

func newSnapshotServer(t *testing.T) (*snapshot.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch filepath.Base(r.URL.Path) {
		case "srcfiles":
			json.NewEncoder(w).Encode(map[string]any{
				"result":   []map[string]string{{"hash": "5c00"}},
				"fileinfo": map[string][]map[string]string{"5c00": {{"archive_name": "debian", "name": "hello_2.10-2.dsc", "first_seen": "2021-05-01 10:00:00"}}},
			})
		case "binfiles":
			json.NewEncoder(w).Encode(map[string]any{
				"result":   []map[string]string{{"hash": "b100", "architecture": "amd64"}},
				"fileinfo": map[string][]map[string]string{"b100": {{"archive_name": "debian", "first_seen": "2021-05-01 10:00:00"}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	client := snapshot.NewClient(srv.URL, srv.Client())
	return client, srv.Close
}

func TestRunHappyPath(t *testing.T) {
	client, closeFn := newSnapshotServer(t)
	defer closeFn()

	content := []byte(testBuildInfo)
	if _, err := buildinfo.Parse(content); err != nil {
		t.Fatalf("buildinfo.Parse fixture: %v", err)
	}

	outDir := t.TempDir()
	inputPath := filepath.Join(t.TempDir(), "hello.buildinfo")
	if err := os.WriteFile(inputPath, content, 0o644); err != nil {
		t.Fatalf("writing input buildinfo: %v", err)
	}

	opts := Options{
		BuildInfoRef:   inputPath,
		OutputDir:      outDir,
		Builder:        stubBuilder{content: content},
		SnapshotClient: client,
		AptCache:       fakeAptCache{},
		ReleaseProbe:   fixedProbe(false),
	}

	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Rebuilt.Source != "hello" {
		t.Errorf("Rebuilt.Source = %q, want hello", result.Rebuilt.Source)
	}
	if result.StatementPath == "" {
		t.Error("StatementPath is empty")
	}
	if _, err := os.Stat(result.StatementPath); err != nil {
		t.Errorf("statement not written: %v", err)
	}
}

func TestRunRefusesOverwrite(t *testing.T) {
	client, closeFn := newSnapshotServer(t)
	defer closeFn()

	content := []byte(testBuildInfo)
	outDir := t.TempDir()
	inputPath := filepath.Join(t.TempDir(), "hello.buildinfo")
	if err := os.WriteFile(inputPath, content, 0o644); err != nil {
		t.Fatalf("writing input buildinfo: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "hello_2.10-2_amd64.buildinfo"), content, 0o644); err != nil {
		t.Fatalf("seeding existing output: %v", err)
	}

	opts := Options{
		BuildInfoRef:   inputPath,
		OutputDir:      outDir,
		Builder:        stubBuilder{content: content},
		SnapshotClient: client,
		AptCache:       fakeAptCache{},
		ReleaseProbe:   fixedProbe(false),
	}

	_, err := Run(context.Background(), opts)
	if err == nil {
		t.Fatal("Run with pre-existing output: want ErrRefuseOverwrite, got nil")
	}
}

func TestRunDefaultBuilderSkipsVerifyAndAttest(t *testing.T) {
	client, closeFn := newSnapshotServer(t)
	defer closeFn()

	content := []byte(testBuildInfo)
	outDir := t.TempDir()
	inputPath := filepath.Join(t.TempDir(), "hello.buildinfo")
	if err := os.WriteFile(inputPath, content, 0o644); err != nil {
		t.Fatalf("writing input buildinfo: %v", err)
	}

	opts := Options{
		BuildInfoRef:   inputPath,
		OutputDir:      outDir,
		SnapshotClient: client,
		AptCache:       fakeAptCache{},
		ReleaseProbe:   fixedProbe(false),
	}

	result, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run with default (nil) Builder: %v", err)
	}
	if result.Rebuilt != nil {
		t.Errorf("Rebuilt = %+v, want nil: none builder should skip verify", result.Rebuilt)
	}
	if result.StatementPath != "" {
		t.Errorf("StatementPath = %q, want empty: none builder should skip attest", result.StatementPath)
	}
	if result.Plan == nil {
		t.Error("Plan is nil: setup stages should still have run")
	}
}

func TestRunMissingOutputDir(t *testing.T) {
	client, closeFn := newSnapshotServer(t)
	defer closeFn()

	content := []byte(testBuildInfo)
	inputPath := filepath.Join(t.TempDir(), "hello.buildinfo")
	if err := os.WriteFile(inputPath, content, 0o644); err != nil {
		t.Fatalf("writing input buildinfo: %v", err)
	}

	opts := Options{
		BuildInfoRef:   inputPath,
		OutputDir:      filepath.Join(t.TempDir(), "does-not-exist"),
		Builder:        stubBuilder{content: content},
		SnapshotClient: client,
		AptCache:       fakeAptCache{},
		ReleaseProbe:   fixedProbe(false),
	}

	_, err := Run(context.Background(), opts)
	if err == nil {
		t.Fatal("Run with missing output dir: want ErrOutputDirMissing, got nil")
	}
}
