package environment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Debian/debrebuild/buildinfo"
)

// BuildMode mirrors dpkg-buildpackage's --build= selector.
type BuildMode string

const (
	BuildModeSource BuildMode = "source"
	BuildModeAll    BuildMode = "all"
	BuildModeAny    BuildMode = "any"
	BuildModeBinary BuildMode = "binary"
)

// ErrNothingToBuild is returned when a BuildInfo's Architecture flags leave
// no valid build mode.
var ErrNothingToBuild = errors.New("environment: no buildable target (neither a concrete architecture, archall, nor source)")

// allowedParentEnv lists the parent process environment variables forwarded
// to the build subprocess; everything else must come from the recorded
// BuildInfo environment.
var allowedParentEnv = []string{"PATH", "TMPDIR", "TZ"}

// BuildPlan is the fully synthesized description of the build the external
// builder must execute.
type BuildPlan struct {
	BuildArch     string
	HostArch       string
	BuildMode      BuildMode
	SourcesList    []string
	Env            map[string]string
	SourcePkg      string
	SourceVersion  string
	BuildPath      string
	OutputDir      string
	ExpectedOutput string

	// Depends is every build-dep formatted for apt-get/dpkg consumption:
	// "name=version" when arch is empty, "all" or equals BuildArch,
	// otherwise "name:arch=version".
	Depends []string
}

// selectBuildMode picks what dpkg-buildpackage will be asked to emit.
func selectBuildMode(bi *buildinfo.BuildInfo) (BuildMode, error) {
	switch {
	case len(bi.Architecture) == 1:
		return BuildModeBinary, nil
	case bi.BuildArchAll:
		return BuildModeAll, nil
	case bi.BuildSource:
		return BuildModeSource, nil
	default:
		return "", ErrNothingToBuild
	}
}

// SynthesizeBuildPlan produces the BuildPlan for bi, given the resolver's
// chosen sources list lines and the output directory the builder should
// write its artifacts into.
func SynthesizeBuildPlan(bi *buildinfo.BuildInfo, sourcesLines []string, outputDir string) (*BuildPlan, error) {
	mode, err := selectBuildMode(bi)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	for _, name := range allowedParentEnv {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for k, v := range bi.Env {
		env[k] = v
	}

	var depends []string
	for _, dep := range bi.BuildDepends {
		if dep.Architecture == "all" || dep.Architecture == bi.BuildArch || dep.Architecture == "" {
			depends = append(depends, fmt.Sprintf("%s=%s", dep.Name, dep.Version.String()))
		} else {
			depends = append(depends, fmt.Sprintf("%s:%s=%s", dep.Name, dep.Architecture, dep.Version.String()))
		}
	}

	expected := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%s.buildinfo", bi.Source, bi.Version.String(), bi.BuildArch))

	return &BuildPlan{
		BuildArch:      bi.BuildArch,
		HostArch:       bi.HostArch,
		BuildMode:      mode,
		SourcesList:    sourcesLines,
		Env:            env,
		SourcePkg:      bi.Source,
		SourceVersion:  bi.Version.String(),
		BuildPath:      bi.BuildPath,
		OutputDir:      outputDir,
		ExpectedOutput: expected,
		Depends:        depends,
	}, nil
}
