package buildinfo

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pault.ag/go/debian/control"
	"pault.ag/go/debian/version"
)

// buildinfoParagraph is the wire shape of a .buildinfo record, decoded by
// control.Unmarshal. The scalar fields and the three standard checksum
// blocks map straight onto control's field model; the two fields with a
// custom line grammar (Installed-Build-Depends, Environment) decode through
// their own UnmarshalControl element types. The embedded Paragraph keeps
// the raw field values so checksum blocks for algorithms beyond the usual
// three are not dropped.
type buildinfoParagraph struct {
	control.Paragraph

	Source            string          `control:"Source"`
	Version           version.Version `control:"Version"`
	Architecture      []string        `control:"Architecture" delim:" "`
	Binary            []string        `control:"Binary" delim:" "`
	BuildPath         string          `control:"Build-Path"`
	BuildArchitecture string          `control:"Build-Architecture"`
	HostArchitecture  string          `control:"Host-Architecture"`
	BuildDate         string          `control:"Build-Date"`

	ChecksumsMd5    []control.MD5FileHash    `control:"Checksums-Md5" delim:"\n" strip:"\n\r\t "`
	ChecksumsSha1   []control.SHA1FileHash   `control:"Checksums-Sha1" delim:"\n" strip:"\n\r\t "`
	ChecksumsSha256 []control.SHA256FileHash `control:"Checksums-Sha256" delim:"\n" strip:"\n\r\t "`

	// Entries are comma-separated, whether folded one per line or written
	// on a single line, so the comma is the delimiter and the folding is
	// stripped. A comma after the last entry leaves an empty entry, which
	// is rejected as invalid.
	InstalledBuildDepends []installedBuildDep `control:"Installed-Build-Depends" delim:"," strip:"\n\r\t "`

	Environment []envAssignment `control:"Environment" delim:"\n" strip:"\n\r\t "`
}

var buildDependRe = regexp.MustCompile(`^([a-zA-Z0-9][a-zA-Z0-9+.-]*)(?::([a-zA-Z0-9][a-zA-Z0-9-]*))?[ \t]*\(=[ \t]*([^)]+)\)$`)

// installedBuildDep is one pinned Installed-Build-Depends entry,
// "name (= version)" with an optional ":arch" qualifier.
type installedBuildDep Package

func (d *installedBuildDep) UnmarshalControl(data string) error {
	m := buildDependRe.FindStringSubmatch(strings.TrimSpace(data))
	if m == nil {
		return &InvalidFieldError{Field: "Installed-Build-Depends", Value: data, Err: fmt.Errorf("expected \"name (= version)\"")}
	}
	v, err := version.Parse(strings.TrimSpace(m[3]))
	if err != nil {
		return &InvalidFieldError{Field: "Installed-Build-Depends", Value: data, Err: err}
	}
	d.Name = m[1]
	d.Architecture = m[2]
	d.Version = v
	return nil
}

var environmentLineRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)="((?:[^"\\]|\\.)*)"$`)

// envAssignment is one Environment line, KEY="VALUE" with backslash-escaped
// quotes in the value.
type envAssignment struct {
	Key   string
	Value string
}

func (a *envAssignment) UnmarshalControl(data string) error {
	m := environmentLineRe.FindStringSubmatch(strings.TrimSpace(data))
	if m == nil {
		return &InvalidFieldError{Field: "Environment", Value: data, Err: fmt.Errorf("expected KEY=\"VALUE\"")}
	}
	a.Key = m[1]
	a.Value = strings.ReplaceAll(m[2], `\"`, `"`)
	return nil
}

// Parse decodes a .buildinfo control file into a normalized BuildInfo.
func Parse(data []byte) (*BuildInfo, error) {
	var para buildinfoParagraph
	if err := control.Unmarshal(&para, bufio.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("buildinfo: %w", err)
	}

	bi := &BuildInfo{
		Source:    strings.TrimSpace(para.Source),
		Version:   para.Version,
		Binary:    para.Binary,
		BuildPath: strings.TrimSpace(para.BuildPath),
		BuildArch: strings.TrimSpace(para.BuildArchitecture),
		HostArch:  strings.TrimSpace(para.HostArchitecture),
		Checksums: map[string]*ChecksumEntry{},
		Env:       map[string]string{},
	}

	if err := applyArchitecture(bi, para.Architecture); err != nil {
		return nil, err
	}

	for i := range para.InstalledBuildDepends {
		dep := Package(para.InstalledBuildDepends[i])
		bi.BuildDepends = append(bi.BuildDepends, &dep)
	}
	for _, a := range para.Environment {
		bi.Env[a.Key] = a.Value
	}

	if para.BuildDate != "" {
		t, err := parseBuildDate(para.BuildDate)
		if err != nil {
			return nil, err
		}
		bi.BuildDate = t
	}

	for _, h := range para.ChecksumsMd5 {
		if err := recordChecksum(bi, "md5", h.FileHash); err != nil {
			return nil, err
		}
	}
	for _, h := range para.ChecksumsSha1 {
		if err := recordChecksum(bi, "sha1", h.FileHash); err != nil {
			return nil, err
		}
	}
	for _, h := range para.ChecksumsSha256 {
		if err := recordChecksum(bi, "sha256", h.FileHash); err != nil {
			return nil, err
		}
	}
	if err := applyExtraChecksums(bi, para.Paragraph); err != nil {
		return nil, err
	}

	if bi.BuildArch == "" {
		return nil, fmt.Errorf("%w: Build-Architecture", ErrMissingRequired)
	}
	if bi.HostArch == "" {
		bi.HostArch = bi.BuildArch
	}
	if bi.BuildPath == "" {
		suffix, err := randomSuffix(6)
		if err != nil {
			return nil, err
		}
		bi.BuildPath = fmt.Sprintf("/build/%s-%s", bi.Source, suffix)
	}
	if err := validateChecksums(bi); err != nil {
		return nil, err
	}

	return bi, nil
}

func applyArchitecture(bi *BuildInfo, tokens []string) error {
	var concrete []string
	for _, tok := range tokens {
		switch tok {
		case "":
		case "source":
			bi.BuildSource = true
		case "all":
			bi.BuildArchAll = true
		default:
			concrete = append(concrete, tok)
		}
	}
	if len(concrete) > 1 {
		return fmt.Errorf("%w: %v", ErrMultipleArch, concrete)
	}
	bi.Architecture = concrete
	bi.BuildArchAny = len(concrete) == 1
	return nil
}

// foldedLines splits a field's raw joined value into its individual
// continuation lines, consuming the leading newline produced by the empty
// field-line value.
func foldedLines(value string) []string {
	value = strings.TrimPrefix(value, "\n")
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(value, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func parseBuildDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, value)
}

func recordChecksum(bi *BuildInfo, alg string, h control.FileHash) error {
	entry, ok := bi.Checksums[h.Filename]
	if !ok {
		entry = &ChecksumEntry{Size: h.Size, Hashes: map[string]string{}}
		bi.Checksums[h.Filename] = entry
	}
	entry.Hashes[alg] = strings.ToLower(h.Hash)
	if entry.Size != h.Size {
		return &InvalidFieldError{
			Field: "Checksums-" + checksumFieldName(alg), Value: h.Filename,
			Err: fmt.Errorf("size %d conflicts with previously recorded size %d", h.Size, entry.Size),
		}
	}
	return nil
}

var checksumLineRe = regexp.MustCompile(`^([0-9a-fA-F]+)[ \t]+([0-9]+)[ \t]+(\S.*)$`)

// applyExtraChecksums sweeps the raw paragraph for Checksums-<alg> blocks
// beyond the three standard algorithms, so an unusual algorithm still lands
// in the model rather than being silently dropped.
func applyExtraChecksums(bi *BuildInfo, para control.Paragraph) error {
	for name, value := range para.Values {
		if !strings.HasPrefix(name, "Checksums-") {
			continue
		}
		alg := strings.ToLower(strings.TrimPrefix(name, "Checksums-"))
		switch alg {
		case "md5", "sha1", "sha256":
			continue
		}
		for _, line := range foldedLines(value) {
			m := checksumLineRe.FindStringSubmatch(line)
			if m == nil {
				return &InvalidFieldError{Field: name, Value: line, Err: fmt.Errorf("expected \"hash size filename\"")}
			}
			size, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return &InvalidFieldError{Field: name, Value: line, Err: err}
			}
			if err := recordChecksum(bi, alg, control.FileHash{Hash: m[1], Size: size, Filename: m[3]}); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateChecksums checks that every filename appears in every
// Checksums-<alg> block that was present: a file carrying sha256 but not
// sha1 (when other files carry both) means one of the blocks dropped it.
// Size conflicts are already rejected in recordChecksum as they are seen.
func validateChecksums(bi *BuildInfo) error {
	algs := map[string]bool{}
	for _, entry := range bi.Checksums {
		for alg := range entry.Hashes {
			algs[alg] = true
		}
	}
	for filename, entry := range bi.Checksums {
		for alg := range algs {
			if _, ok := entry.Hashes[alg]; !ok {
				return &InvalidFieldError{
					Field: "Checksums-" + checksumFieldName(alg), Value: filename,
					Err: fmt.Errorf("file missing from this checksum block but present in others"),
				}
			}
		}
	}
	return nil
}

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
