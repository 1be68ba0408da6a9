package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Debian/debrebuild/environment"
)

// Mmdebstrap drives mmdebstrap(1) to bootstrap a minimal chroot from the
// resolved sources list, then customizes it with a shell script that
// fetches and builds the pinned source:
//
//	apt-get source --only-source -d <source>=<version>
//	dpkg-source --no-check -x <dsc> <build_path>
//	dpkg-buildpackage -uc -a <host_arch> --build=<mode>
type Mmdebstrap struct {
	// Variant selects mmdebstrap's --variant (e.g. "buildd").
	Variant string
}

func (Mmdebstrap) Name() string { return "mmdebstrap" }

func (m Mmdebstrap) Build(ctx context.Context, plan *environment.BuildPlan, logDir string) error {
	variant := m.Variant
	if variant == "" {
		variant = "buildd"
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("builder: creating log dir: %w", err)
	}
	sourcesFile := filepath.Join(logDir, "mmdebstrap-sources.list")
	if err := os.WriteFile(sourcesFile, []byte(strings.Join(plan.SourcesList, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("builder: writing mmdebstrap sources list: %w", err)
	}

	chrootDir := plan.BuildPath + "-chroot"
	script := buildScript(plan)
	scriptFile := filepath.Join(logDir, "build.sh")
	if err := os.WriteFile(scriptFile, []byte(script), 0o755); err != nil {
		return fmt.Errorf("builder: writing build script: %w", err)
	}

	args := []string{
		"--variant=" + variant,
		"--include=" + strings.Join(plan.Depends, ","),
		fmt.Sprintf("--customize-hook=copy-in %s /root/build.sh", scriptFile),
		`--customize-hook=chroot "$1" /root/build.sh`,
		fmt.Sprintf("--customize-hook=sync-out %s %s", filepath.Dir(plan.BuildPath), plan.OutputDir),
		"unstable",
		chrootDir,
		sourcesFile,
	}

	cmd := exec.CommandContext(ctx, "mmdebstrap", args...)
	cmd.Env = buildEnviron(plan)
	return runCommand(cmd, m.Name(), plan.SourcePkg, logDir)
}

// buildScript renders the in-chroot build sequence.
func buildScript(plan *environment.BuildPlan) string {
	parent := filepath.Dir(plan.BuildPath)
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\nset -e\n")
	fmt.Fprintf(&sb, "mkdir -p %s\ncd %s\n", parent, parent)
	fmt.Fprintf(&sb, "apt-get source --only-source -d %s=%s\n", plan.SourcePkg, plan.SourceVersion)
	fmt.Fprintf(&sb, "dpkg-source --no-check -x %s_%s.dsc %s\n", plan.SourcePkg, plan.SourceVersion, plan.BuildPath)
	fmt.Fprintf(&sb, "cd %s\n", plan.BuildPath)
	fmt.Fprintf(&sb, "dpkg-buildpackage -uc -a %s --build=%s\n", plan.HostArch, plan.BuildMode)
	return sb.String()
}
