// Package rebuild drives the end-to-end pipeline: resolve the input
// .buildinfo's source record, resolve its build-dependencies to a minimal
// covering set of snapshot sources, synthesize the ephemeral build
// environment, invoke an external builder, verify the rebuilt checksums,
// and emit a signed attestation.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/Debian/debrebuild/attest"
	"github.com/Debian/debrebuild/builder"
	"github.com/Debian/debrebuild/buildinfo"
	"github.com/Debian/debrebuild/environment"
	"github.com/Debian/debrebuild/resolver"
	"github.com/Debian/debrebuild/sign"
	"github.com/Debian/debrebuild/snapshot"
	"github.com/Debian/debrebuild/verify"
)

// ErrRefuseOverwrite is returned when the expected output .buildinfo already
// exists and Options.Force is not set.
var ErrRefuseOverwrite = errors.New("rebuild: refusing to overwrite existing output")

// ErrOutputDirMissing is returned when OutputDir does not already exist.
var ErrOutputDirMissing = errors.New("rebuild: output directory does not exist")

// Options configures one end-to-end rebuild run, roughly one struct per CLI
// flag in cmd/debrebuild.
type Options struct {
	BuildInfoRef string // positional arg: URL or local path

	OutputDir string
	Force     bool

	Builder builder.Builder

	SnapshotClient *snapshot.Client

	ExtraRepositoryFiles  []string
	ExtraKeyrings         []string
	CurrentMirrorFallback bool
	Proxy                 environment.ProxyConfig

	GPGVerify        bool
	GPGVerifyKeyring []string
	GPGSignKeyring   []string

	TempPrefix string

	// AptCache overrides the AptCache the dependency resolver queries. Nil
	// defaults to a resolver.ExecAptCache rooted at the ephemeral apt root.
	AptCache resolver.AptCache

	// ReleaseProbe overrides the HEAD probe BuildSourcesList uses to decide
	// whether the timestamp-pinned base entry is reachable. Nil defaults to
	// environment.HTTPHeadProbe against SnapshotClient's HTTPClient.
	ReleaseProbe func(ctx context.Context, url string) (bool, error)

	Verbose bool
	Debug   bool

	Progress *progress
}

// Result is the summary of a completed rebuild, returned for the CLI to
// report and for tests to assert on.
type Result struct {
	Original        *buildinfo.BuildInfo
	Rebuilt         *buildinfo.BuildInfo
	SelectedSources []resolver.SelectedSource
	Plan            *environment.BuildPlan
	StatementPath   string
	SignaturePath   string
}

// Run executes the full pipeline. Every exit path (success, error, or a
// canceled ctx) releases the ephemeral apt root; the deferred AptRoot.Close
// runs regardless of how Run returns.
func Run(ctx context.Context, opts Options) (*Result, error) {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	if opts.Debug {
		logger.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	prog := opts.Progress
	if prog == nil {
		prog = newProgress(os.Stderr)
	}
	defer prog.flush()

	prog.set("resolve", stateRunning)

	if opts.OutputDir != "" {
		if fi, err := os.Stat(opts.OutputDir); err != nil || !fi.IsDir() {
			prog.set("resolve", stateError)
			return nil, fmt.Errorf("%w: %s", ErrOutputDirMissing, opts.OutputDir)
		}
	}

	raw, err := opts.SnapshotClient.FetchBuildInfo(ctx, opts.BuildInfoRef)
	if err != nil {
		prog.set("resolve", stateError)
		return nil, fmt.Errorf("rebuild: fetching %s: %w", opts.BuildInfoRef, err)
	}

	if opts.GPGVerify {
		keyring, err := sign.ImportKeyring(opts.GPGVerifyKeyring)
		if err != nil {
			prog.set("resolve", stateError)
			return nil, fmt.Errorf("rebuild: %w", err)
		}
		path := opts.BuildInfoRef
		if isRemoteRef(path) {
			tmp, err := os.CreateTemp("", "debrebuild-input-*.buildinfo")
			if err != nil {
				prog.set("resolve", stateError)
				return nil, fmt.Errorf("rebuild: %w", err)
			}
			defer os.Remove(tmp.Name())
			if _, err := tmp.Write(raw); err != nil {
				tmp.Close()
				prog.set("resolve", stateError)
				return nil, fmt.Errorf("rebuild: %w", err)
			}
			tmp.Close()
			path = tmp.Name()
		}
		_, verified, err := sign.VerifyFile(keyring, path)
		if err != nil {
			prog.set("resolve", stateError)
			return nil, fmt.Errorf("rebuild: %w", err)
		}
		raw = verified
	}

	original, err := buildinfo.Parse(raw)
	if err != nil {
		prog.set("resolve", stateError)
		return nil, fmt.Errorf("rebuild: parsing %s: %w", opts.BuildInfoRef, err)
	}

	suite, err := original.Suite()
	if err != nil {
		prog.set("resolve", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	if opts.Verbose {
		logger.Printf("resolving %s %s (%s, suite %s)", original.Source, original.Version.String(), original.BuildArch, suite)
	}

	srcFirstSeen, srcHash, err := opts.SnapshotClient.GetSrcRecord(ctx, original.Source, original.Version.String())
	if err != nil {
		prog.set("resolve", stateError)
		return nil, fmt.Errorf("rebuild: resolving source record: %w", err)
	}
	if opts.Verbose {
		logger.Printf("source record: %s %s first seen %s (hash %x)", original.Source, original.Version.String(), srcFirstSeen, srcHash)
	}

	if err := opts.SnapshotClient.ResolveAll(ctx, original.BuildDepends, original.BuildArch); err != nil {
		prog.set("resolve", stateError)
		return nil, fmt.Errorf("rebuild: resolving build-depends: %w", err)
	}
	prog.set("resolve", stateDone)

	prog.set("environment", stateRunning)
	aptRoot, err := environment.NewAptRoot(opts.TempPrefix)
	if err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	defer func() {
		if err := aptRoot.Close(); err != nil {
			logger.Printf("cleanup: %v", err)
		}
	}()

	cache := opts.AptCache
	if cache == nil {
		cache = &resolver.ExecAptCache{RootDir: aptRoot.Dir}
	}
	selected, err := resolver.Resolve(ctx, cache, environment.DefaultBaseMirror, original.BuildDepends)
	if err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	var selectedLines []string
	for _, s := range selected {
		selectedLines = append(selectedLines, s.AptLine)
	}

	probe := opts.ReleaseProbe
	if probe == nil {
		probe = environment.HTTPHeadProbe(opts.SnapshotClient.HTTPClient)
	}
	sourcesLines, err := environment.BuildSourcesList(ctx, probe, environment.SourcesListConfig{
		Suite:                   suite,
		SnapshotTimestamp:       original.SnapshotTimestamp(),
		ExtraRepositoryFiles:    opts.ExtraRepositoryFiles,
		SelectedSnapshotSources: selectedLines,
		CurrentMirrorFallback:   opts.CurrentMirrorFallback,
	})
	if err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	if err := aptRoot.WriteSourcesList(sourcesLines); err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	if err := aptRoot.WriteAptConf(environment.AptConfConfig{BuildArch: original.BuildArch, Proxy: opts.Proxy}); err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	if err := aptRoot.LinkTrustedKeyrings(opts.ExtraKeyrings); err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(aptRoot.Dir, "out")
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			prog.set("environment", stateError)
			return nil, fmt.Errorf("rebuild: %w", err)
		}
	}

	plan, err := environment.SynthesizeBuildPlan(original, sourcesLines, outputDir)
	if err != nil {
		prog.set("environment", stateError)
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	if !opts.Force {
		if _, err := os.Stat(plan.ExpectedOutput); err == nil {
			prog.set("environment", stateError)
			return nil, fmt.Errorf("%w: %s", ErrRefuseOverwrite, plan.ExpectedOutput)
		}
	}
	prog.set("environment", stateDone)

	b := opts.Builder
	if b == nil {
		b = builder.None{}
	}

	result := &Result{
		Original:        original,
		SelectedSources: selected,
		Plan:            plan,
	}

	if _, isNone := b.(builder.None); isNone {
		// No builder configured: the environment is resolved and synthesized
		// but nothing actually produces plan.ExpectedOutput, so there is
		// nothing to verify or attest yet.
		prog.set("build", stateSkipped)
		prog.set("verify", stateSkipped)
		prog.set("attest", stateSkipped)
		return result, nil
	}

	prog.set("build", stateRunning)
	startedOn := time.Now()
	if err := b.Build(ctx, plan, filepath.Join(outputDir, "logs")); err != nil {
		prog.set("build", stateError)
		return result, fmt.Errorf("rebuild: %w", err)
	}
	finishedOn := time.Now()
	prog.set("build", stateDone)

	prog.set("verify", stateRunning)
	rebuiltRaw, err := os.ReadFile(plan.ExpectedOutput)
	if err != nil {
		prog.set("verify", stateError)
		return result, fmt.Errorf("rebuild: reading produced %s: %w", plan.ExpectedOutput, err)
	}
	rebuilt, err := buildinfo.Parse(rebuiltRaw)
	if err != nil {
		prog.set("verify", stateError)
		return result, fmt.Errorf("rebuild: parsing produced buildinfo: %w", err)
	}
	if err := verify.Verify(original, rebuilt); err != nil {
		prog.set("verify", stateError)
		return result, fmt.Errorf("rebuild: %w", err)
	}
	prog.set("verify", stateDone)
	result.Rebuilt = rebuilt

	prog.set("attest", stateRunning)
	statement, err := attest.GenerateStatement(rebuilt, plan, invocationID(), startedOn, finishedOn)
	if err != nil {
		prog.set("attest", stateError)
		return result, fmt.Errorf("rebuild: %w", err)
	}
	var signKeyring openpgp.EntityList
	if len(opts.GPGSignKeyring) > 0 {
		signKeyring, err = sign.ImportKeyring(opts.GPGSignKeyring)
		if err != nil {
			prog.set("attest", stateError)
			return result, fmt.Errorf("rebuild: %w", err)
		}
	}
	statementPath, sigPath, err := attest.WriteSignedStatement(statement, outputDir, original.Source+"_"+original.Version.String(), signKeyring)
	if err != nil {
		prog.set("attest", stateError)
		return result, fmt.Errorf("rebuild: %w", err)
	}
	result.StatementPath = statementPath
	result.SignaturePath = sigPath
	prog.set("attest", stateDone)

	return result, nil
}

func isRemoteRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// invocationID derives a stable-enough identifier for the attestation's
// BuildMetadata without reaching for time.Now()/crypto/rand beyond what the
// process already needs: the PID is unique for the lifetime of one run.
func invocationID() string {
	return fmt.Sprintf("debrebuild-%d", os.Getpid())
}
