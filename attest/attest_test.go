package attest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/in-toto/in-toto-golang/in_toto"

	"github.com/Debian/debrebuild/buildinfo"
	"github.com/Debian/debrebuild/environment"
)

func testPlan() *environment.BuildPlan {
	return &environment.BuildPlan{
		BuildArch:     "amd64",
		HostArch:      "amd64",
		BuildMode:     environment.BuildModeAny,
		SourcesList:   []string{"deb http://snapshot.debian.org/archive/debian/20230101T000000Z unstable main"},
		SourcePkg:     "hello",
		SourceVersion: "2.10-2",
		Depends:       []string{"gcc=4:12.2.0-3", "make=4.3-4.1"},
	}
}

func testBuildInfo() *buildinfo.BuildInfo {
	return &buildinfo.BuildInfo{
		Source: "hello",
		Checksums: map[string]*buildinfo.ChecksumEntry{
			"hello_2.10-2_amd64.deb": {Size: 54320, Hashes: map[string]string{"sha256": "abc123"}},
		},
	}
}

func TestGenerateStatement(t *testing.T) {
	started := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	finished := started.Add(5 * time.Minute)
	stmt, err := GenerateStatement(testBuildInfo(), testPlan(), "run-1", started, finished)
	if err != nil {
		t.Fatalf("GenerateStatement: %v", err)
	}
	if stmt.PredicateType == "" {
		t.Fatal("PredicateType is empty")
	}
	if len(stmt.Subject) != 1 || stmt.Subject[0].Name != "hello_2.10-2_amd64.deb" {
		t.Fatalf("Subject = %+v, want one entry for the deb", stmt.Subject)
	}
	if stmt.Predicate.BuildDefinition.BuildType != BuildType {
		t.Fatalf("BuildType = %q, want %q", stmt.Predicate.BuildDefinition.BuildType, BuildType)
	}
	if len(stmt.Predicate.BuildDefinition.ResolvedDependencies) != 2 {
		t.Fatalf("ResolvedDependencies = %d, want 2", len(stmt.Predicate.BuildDefinition.ResolvedDependencies))
	}
}

func TestGenerateStatementNoChecksums(t *testing.T) {
	bi := &buildinfo.BuildInfo{Source: "hello"}
	_, err := GenerateStatement(bi, testPlan(), "run-1", time.Time{}, time.Time{})
	if err == nil {
		t.Fatal("GenerateStatement with no checksums: want error, got nil")
	}
}

func TestWriteStatementRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stmt, err := GenerateStatement(testBuildInfo(), testPlan(), "run-1", time.Now(), time.Now())
	if err != nil {
		t.Fatalf("GenerateStatement: %v", err)
	}
	path, err := WriteStatement(stmt, dir, "hello_2.10-2_amd64")
	if err != nil {
		t.Fatalf("WriteStatement: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written statement: %v", err)
	}
	var decoded in_toto.ProvenanceStatementSLSA1
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding written statement: %v", err)
	}
	if decoded.PredicateType != stmt.PredicateType {
		t.Fatalf("decoded PredicateType = %q, want %q", decoded.PredicateType, stmt.PredicateType)
	}
}

func TestWriteSignedStatementNoKeyring(t *testing.T) {
	dir := t.TempDir()
	stmt, err := GenerateStatement(testBuildInfo(), testPlan(), "run-1", time.Now(), time.Now())
	if err != nil {
		t.Fatalf("GenerateStatement: %v", err)
	}
	statementPath, sigPath, err := WriteSignedStatement(stmt, dir, "hello", nil)
	if err != nil {
		t.Fatalf("WriteSignedStatement: %v", err)
	}
	if statementPath == "" {
		t.Fatal("statementPath is empty")
	}
	if sigPath != "" {
		t.Fatalf("sigPath = %q, want empty with no keyring", sigPath)
	}
}

func TestWriteSignedStatementWithKeyring(t *testing.T) {
	dir := t.TempDir()
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("openpgp.NewEntity: %v", err)
	}
	stmt, err := GenerateStatement(testBuildInfo(), testPlan(), "run-1", time.Now(), time.Now())
	if err != nil {
		t.Fatalf("GenerateStatement: %v", err)
	}
	statementPath, sigPath, err := WriteSignedStatement(stmt, dir, "hello", openpgp.EntityList{entity})
	if err != nil {
		t.Fatalf("WriteSignedStatement: %v", err)
	}
	if filepath.Dir(sigPath) != dir {
		t.Fatalf("sigPath = %q, want under %q", sigPath, dir)
	}
	if _, err := os.Stat(statementPath); err != nil {
		t.Fatalf("statement not written: %v", err)
	}
	if _, err := os.Stat(sigPath); err != nil {
		t.Fatalf("signature not written: %v", err)
	}
}
