// Package attest produces an in-toto SLSA provenance statement for a
// completed rebuild: one subject per produced artifact, with the resolved
// build environment recorded as the build definition.
package attest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"
	slsa1 "github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/v1"

	"github.com/Debian/debrebuild/buildinfo"
	"github.com/Debian/debrebuild/environment"
)

// BuildType identifies debrebuild's SLSA build definition.
const BuildType = "https://salsa.debian.org/reproducible-builds/debrebuild/Rebuild@v1"

// BuilderID identifies this tool as the SLSA builder.
const BuilderID = "https://salsa.debian.org/reproducible-builds/debrebuild"

// GenerateStatement builds the SLSA provenance statement for a rebuild: one
// subject per checksummed artifact in the rebuilt BuildInfo, resolved
// dependencies from the synthesized plan, and build timing.
func GenerateStatement(rebuilt *buildinfo.BuildInfo, plan *environment.BuildPlan, invocationID string, startedOn, finishedOn time.Time) (*in_toto.ProvenanceStatementSLSA1, error) {
	subjects, err := subjectsFromChecksums(rebuilt)
	if err != nil {
		return nil, err
	}

	resolved := make([]slsa1.ResourceDescriptor, 0, len(plan.Depends))
	for _, dep := range plan.Depends {
		resolved = append(resolved, slsa1.ResourceDescriptor{Name: dep})
	}

	started, finished := startedOn, finishedOn
	stmt := &in_toto.ProvenanceStatementSLSA1{
		StatementHeader: in_toto.StatementHeader{
			Type:          in_toto.StatementInTotoV1,
			Subject:       subjects,
			PredicateType: slsa1.PredicateSLSAProvenance,
		},
		Predicate: slsa1.ProvenancePredicate{
			BuildDefinition: slsa1.ProvenanceBuildDefinition{
				BuildType: BuildType,
				ExternalParameters: map[string]any{
					"source":      plan.SourcePkg,
					"version":     plan.SourceVersion,
					"buildArch":   plan.BuildArch,
					"hostArch":    plan.HostArch,
					"buildMode":   string(plan.BuildMode),
					"sourcesList": plan.SourcesList,
				},
				ResolvedDependencies: resolved,
			},
			RunDetails: slsa1.ProvenanceRunDetails{
				Builder: slsa1.Builder{ID: BuilderID},
				BuildMetadata: slsa1.BuildMetadata{
					InvocationID: invocationID,
					StartedOn:    &started,
					FinishedOn:   &finished,
				},
			},
		},
	}
	return stmt, nil
}

// subjectsFromChecksums turns a BuildInfo's recorded checksums into in-toto
// subjects, one per file, each carrying every recorded digest algorithm.
func subjectsFromChecksums(bi *buildinfo.BuildInfo) ([]in_toto.Subject, error) {
	if len(bi.Checksums) == 0 {
		return nil, fmt.Errorf("attest: rebuilt buildinfo has no recorded checksums")
	}
	subjects := make([]in_toto.Subject, 0, len(bi.Checksums))
	for name, entry := range bi.Checksums {
		digest := common.DigestSet{}
		for alg, hash := range entry.Hashes {
			digest[alg] = hash
		}
		subjects = append(subjects, in_toto.Subject{Name: name, Digest: digest})
	}
	return subjects, nil
}

// WriteStatement serializes stmt as JSON into dir/<name>.intoto.jsonl,
// matching the .jsonl convention in-toto attestations are normally stored
// under, and returns the written path.
func WriteStatement(stmt *in_toto.ProvenanceStatementSLSA1, dir, name string) (string, error) {
	data, err := json.Marshal(stmt)
	if err != nil {
		return "", fmt.Errorf("attest: marshalling statement: %w", err)
	}
	path := filepath.Join(dir, name+".intoto.jsonl")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("attest: writing statement: %w", err)
	}
	return path, nil
}
