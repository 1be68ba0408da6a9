package environment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideTempPrefix guards AptRoot.Close against removing a directory
// that was not actually created under the configured temp prefix.
var ErrOutsideTempPrefix = errors.New("environment: apt root path is outside the configured temp prefix")

// DefaultTrustedKeyrings lists the standard Debian archive keyrings
// symlinked into every ephemeral apt root.
var DefaultTrustedKeyrings = []string{
	"/usr/share/keyrings/debian-archive-keyring.gpg",
	"/usr/share/keyrings/debian-archive-removed-keys.gpg",
}

// AptRoot owns the lifecycle of one ephemeral apt configuration directory:
//
//	<root>/etc/apt/apt.conf
//	<root>/etc/apt/sources.list
//	<root>/etc/apt/trusted.gpg.d/<keyring> -> /usr/share/keyrings/...
type AptRoot struct {
	Dir        string
	tempPrefix string
}

// NewAptRoot creates a fresh ephemeral apt root under tempPrefix (TMPDIR by
// default).
func NewAptRoot(tempPrefix string) (*AptRoot, error) {
	if tempPrefix == "" {
		tempPrefix = os.TempDir()
	}
	dir, err := os.MkdirTemp(tempPrefix, "debrebuild-apt-")
	if err != nil {
		return nil, fmt.Errorf("environment: creating apt root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "etc/apt/trusted.gpg.d"), 0o755); err != nil {
		return nil, fmt.Errorf("environment: initializing apt root layout: %w", err)
	}
	return &AptRoot{Dir: dir, tempPrefix: tempPrefix}, nil
}

// WriteSourcesList writes /etc/apt/sources.list under the root.
func (a *AptRoot) WriteSourcesList(lines []string) error {
	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(filepath.Join(a.Dir, "etc/apt/sources.list"), []byte(content), 0o644)
}

// AptConfConfig parameterizes apt.conf synthesis.
type AptConfConfig struct {
	BuildArch string
	Proxy     ProxyConfig
}

// WriteAptConf writes /etc/apt/apt.conf, fixing the target architecture,
// disabling Check-Valid-Until (the snapshot archive is intentionally
// stale), suppressing translation indexes, and capping download rate and
// retries.
func (a *AptRoot) WriteAptConf(cfg AptConfConfig) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "APT::Architecture \"%s\";\n", cfg.BuildArch)
	fmt.Fprintf(&sb, "APT::Architectures { \"%s\"; };\n", cfg.BuildArch)
	sb.WriteString("Acquire::Check-Valid-Until \"false\";\n")
	sb.WriteString("Acquire::Languages \"none\";\n")
	sb.WriteString("Acquire::http::Dl-Limit \"1000\";\n")
	sb.WriteString("Acquire::https::Dl-Limit \"1000\";\n")
	sb.WriteString("Acquire::Retries \"5\";\n")
	sb.WriteString("Acquire::AllowInsecureRepositories \"false\";\n")
	if cfg.Proxy.HTTP != "" {
		fmt.Fprintf(&sb, "Acquire::http::Proxy \"%s\";\n", cfg.Proxy.HTTP)
	}
	if cfg.Proxy.HTTPS != "" {
		fmt.Fprintf(&sb, "Acquire::https::Proxy \"%s\";\n", cfg.Proxy.HTTPS)
	}
	return os.WriteFile(filepath.Join(a.Dir, "etc/apt/apt.conf"), []byte(sb.String()), 0o644)
}

// LinkTrustedKeyrings symlinks the standard Debian archive keyrings plus
// any caller-supplied extra keys into trusted.gpg.d.
func (a *AptRoot) LinkTrustedKeyrings(extraKeys []string) error {
	dir := filepath.Join(a.Dir, "etc/apt/trusted.gpg.d")
	for _, src := range append(append([]string{}, DefaultTrustedKeyrings...), extraKeys...) {
		dst := filepath.Join(dir, filepath.Base(src))
		if err := os.Symlink(src, dst); err != nil && !os.IsExist(err) {
			return fmt.Errorf("environment: linking keyring %s: %w", src, err)
		}
	}
	return nil
}

// Close removes the ephemeral apt root, refusing if its path does not lie
// inside the configured temp prefix.
func (a *AptRoot) Close() error {
	abs, err := filepath.Abs(a.Dir)
	if err != nil {
		return err
	}
	prefix, err := filepath.Abs(a.tempPrefix)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(prefix, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s not under %s", ErrOutsideTempPrefix, abs, prefix)
	}
	return os.RemoveAll(abs)
}
