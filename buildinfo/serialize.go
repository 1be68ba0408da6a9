package buildinfo

import (
	"fmt"
	"sort"
	"strings"
)

// Marshal serializes a BuildInfo back into the .buildinfo control-file
// dialect. It is the inverse of Parse on every recognized field, used by the
// parser round-trip property test.
func Marshal(b *BuildInfo) ([]byte, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Source: %s\n", b.Source)
	fmt.Fprintf(&sb, "Version: %s\n", b.Version.String())

	var archTokens []string
	if b.BuildSource {
		archTokens = append(archTokens, "source")
	}
	if b.BuildArchAll {
		archTokens = append(archTokens, "all")
	}
	archTokens = append(archTokens, b.Architecture...)
	fmt.Fprintf(&sb, "Architecture: %s\n", strings.Join(archTokens, " "))

	if len(b.Binary) > 0 {
		fmt.Fprintf(&sb, "Binary: %s\n", strings.Join(b.Binary, " "))
	}

	fmt.Fprintf(&sb, "Build-Architecture: %s\n", b.BuildArch)
	if b.HostArch != "" && b.HostArch != b.BuildArch {
		fmt.Fprintf(&sb, "Host-Architecture: %s\n", b.HostArch)
	}
	fmt.Fprintf(&sb, "Build-Path: %s\n", b.BuildPath)
	fmt.Fprintf(&sb, "Build-Date: %s\n", b.BuildDate.UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"))

	if len(b.BuildDepends) > 0 {
		sb.WriteString("Installed-Build-Depends:\n")
		for i, dep := range b.BuildDepends {
			sep := ","
			if i == len(b.BuildDepends)-1 {
				sep = ""
			}
			if dep.Architecture != "" {
				fmt.Fprintf(&sb, " %s:%s (= %s)%s\n", dep.Name, dep.Architecture, dep.Version.String(), sep)
			} else {
				fmt.Fprintf(&sb, " %s (= %s)%s\n", dep.Name, dep.Version.String(), sep)
			}
		}
	}

	if len(b.Env) > 0 {
		sb.WriteString("Environment:\n")
		keys := make([]string, 0, len(b.Env))
		for k := range b.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%q\n", k, b.Env[k])
		}
	}

	algs := map[string]bool{}
	for _, entry := range b.Checksums {
		for alg := range entry.Hashes {
			algs[alg] = true
		}
	}
	algOrder := make([]string, 0, len(algs))
	for alg := range algs {
		algOrder = append(algOrder, alg)
	}
	sort.Strings(algOrder)

	filenames := make([]string, 0, len(b.Checksums))
	for f := range b.Checksums {
		filenames = append(filenames, f)
	}
	sort.Strings(filenames)

	for _, alg := range algOrder {
		fmt.Fprintf(&sb, "Checksums-%s:\n", checksumFieldName(alg))
		for _, filename := range filenames {
			entry := b.Checksums[filename]
			hash, ok := entry.Hashes[alg]
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, " %s %d %s\n", hash, entry.Size, filename)
		}
	}

	return []byte(sb.String()), nil
}

// checksumFieldName capitalizes an algorithm name the way Debian's
// .buildinfo fields do ("sha256" -> "Sha256", "md5" -> "Md5").
func checksumFieldName(alg string) string {
	if alg == "" {
		return alg
	}
	return strings.ToUpper(alg[:1]) + alg[1:]
}
