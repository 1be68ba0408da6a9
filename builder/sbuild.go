package builder

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/Debian/debrebuild/environment"
)

// Sbuild drives sbuild(1) directly as a local subprocess. sbuild already
// performs the source fetch (apt-get source) and dpkg-buildpackage
// invocation internally, so a single command line suffices.
type Sbuild struct {
	// ExtraArgs are appended verbatim, e.g. for a caller-selected chroot
	// backend (--chroot=..., --schroot=...).
	ExtraArgs []string
}

func (Sbuild) Name() string { return "sbuild" }

func (s Sbuild) Build(ctx context.Context, plan *environment.BuildPlan, logDir string) error {
	args := []string{
		"--dist=unstable",
		"--arch=" + plan.HostArch,
		"--no-apt-update",
		"--build-dir=" + plan.OutputDir,
	}
	if plan.BuildMode == environment.BuildModeAll {
		args = append(args, "--arch-all")
	}
	args = append(args, s.ExtraArgs...)
	args = append(args, fmt.Sprintf("%s=%s", plan.SourcePkg, plan.SourceVersion))

	cmd := exec.CommandContext(ctx, "sbuild", args...)
	cmd.Dir = filepath.Dir(plan.BuildPath)
	cmd.Env = buildEnviron(plan)
	return runCommand(cmd, s.Name(), plan.SourcePkg, logDir)
}
