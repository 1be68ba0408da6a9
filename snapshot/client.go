// Package snapshot implements a read-only client for the Debian snapshot
// archive's metadata API: resolving a pinned (name, version) to the
// timestamp it first appeared at and the content hash of its recorded
// file.
package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Debian/debrebuild/buildinfo"
)

// DefaultBaseURL is snapshot.debian.org's metadata API root.
const DefaultBaseURL = "https://snapshot.debian.org"

var (
	ErrTransport            = errors.New("snapshot: transport error")
	errNotFound             = errors.New("snapshot: not found")
	ErrBadJSON              = errors.New("snapshot: malformed JSON response")
	ErrNoSourceFound        = errors.New("snapshot: no source .dsc record found")
	ErrAmbiguousSource      = errors.New("snapshot: more than one .dsc record found")
	ErrNoBinaryFound        = errors.New("snapshot: no binary record found")
	ErrAmbiguousBinary      = errors.New("snapshot: more than one matching debian fileinfo record")
	ErrNoArchMatch          = errors.New("snapshot: no result matches the requested architecture")
	ErrArchMismatchExplicit = errors.New("snapshot: resolved architecture conflicts with the explicitly recorded one")
	ErrArchMismatchImplicit = errors.New("snapshot: resolved architecture matches neither build_arch nor \"all\"")
)

// Client is a read-only handle onto the snapshot archive's metadata API.
// It is safe for concurrent use; its configuration (HTTPClient, BaseURL) is
// read-only after construction.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string

	// MaxParallelLookups bounds the errgroup fan-out in ResolveAll. Zero
	// applies a sane default rather than an unbounded fan-out.
	MaxParallelLookups int
}

// NewClient returns a Client targeting baseURL (empty defaults to
// DefaultBaseURL) using httpClient (nil defaults to http.DefaultClient,
// which callers should instead construct with a proxy-aware Transport, see
// package environment's ProxyConfig).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTPClient: httpClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

type fileinfoRecord struct {
	ArchiveName string `json:"archive_name"`
	Name        string `json:"name"`
	FirstSeen   string `json:"first_seen"`
	Path        string `json:"path"`
}

type srcfilesResponse struct {
	Result []struct {
		Hash string `json:"hash"`
	} `json:"result"`
	Fileinfo map[string][]fileinfoRecord `json:"fileinfo"`
}

type binfilesResponse struct {
	Result []struct {
		Hash         string `json:"hash"`
		Architecture string `json:"architecture"`
	} `json:"result"`
	Fileinfo map[string][]fileinfoRecord `json:"fileinfo"`
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", errNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrTransport, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return nil
}

func parseFirstSeen(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable first_seen %q", ErrBadJSON, s)
}

// GetSrcRecord resolves the source package (name, version)'s .dsc record:
// its first-seen timestamp and content hash.
func (c *Client) GetSrcRecord(ctx context.Context, name, version string) (time.Time, []byte, error) {
	var resp srcfilesResponse
	path := fmt.Sprintf("/mr/package/%s/%s/srcfiles?fileinfo=1", url.PathEscape(name), url.PathEscape(version))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return time.Time{}, nil, fmt.Errorf("%w: %s %s", ErrNoSourceFound, name, version)
		}
		return time.Time{}, nil, err
	}

	var (
		matchHash string
		matched   fileinfoRecord
		count     int
	)
	for _, r := range resp.Result {
		for _, fi := range resp.Fileinfo[r.Hash] {
			if fi.ArchiveName != "debian" || !strings.HasSuffix(fi.Name, ".dsc") {
				continue
			}
			count++
			matchHash = r.Hash
			matched = fi
		}
	}
	if count == 0 {
		return time.Time{}, nil, fmt.Errorf("%w: %s %s", ErrNoSourceFound, name, version)
	}
	if count > 1 {
		return time.Time{}, nil, fmt.Errorf("%w: %s %s", ErrAmbiguousSource, name, version)
	}
	firstSeen, err := parseFirstSeen(matched.FirstSeen)
	if err != nil {
		return time.Time{}, nil, err
	}
	hash, err := hex.DecodeString(matchHash)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: bad hash %q: %v", ErrBadJSON, matchHash, err)
	}
	return firstSeen, hash, nil
}

// GetBinRecord resolves pkg's binary record against the archive, filling in
// pkg.Architecture, pkg.FirstSeen and pkg.Hash. A single result is adopted
// if its architecture matches the recorded one (or, when none is recorded,
// is build_arch or "all"); with several results, the first whose
// architecture equals the recorded one (or build_arch when none is
// recorded) is chosen.
func (c *Client) GetBinRecord(ctx context.Context, pkg *buildinfo.Package, buildArch string) error {
	var resp binfilesResponse
	path := fmt.Sprintf("/mr/binary/%s/%s/binfiles?fileinfo=1", url.PathEscape(pkg.Name), url.PathEscape(pkg.Version.String()))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNoBinaryFound, pkg.Name, pkg.Version.String())
		}
		return err
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoBinaryFound, pkg.Name, pkg.Version.String())
	}

	var chosenHash, chosenArch string
	if len(resp.Result) == 1 {
		chosenHash = resp.Result[0].Hash
		chosenArch = resp.Result[0].Architecture
		if pkg.Architecture != "" && pkg.Architecture != chosenArch {
			return fmt.Errorf("%w: %s: input %q, resolved %q", ErrArchMismatchExplicit, pkg.Name, pkg.Architecture, chosenArch)
		}
		if pkg.Architecture == "" && chosenArch != buildArch && chosenArch != "all" {
			return fmt.Errorf("%w: %s: resolved %q, build_arch %q", ErrArchMismatchImplicit, pkg.Name, chosenArch, buildArch)
		}
	} else {
		target := pkg.Architecture
		if target == "" {
			target = buildArch
		}
		found := false
		for _, r := range resp.Result {
			if r.Architecture == target {
				chosenHash, chosenArch = r.Hash, r.Architecture
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s: no result for arch %q", ErrNoArchMatch, pkg.Name, target)
		}
	}

	var (
		matched fileinfoRecord
		count   int
	)
	for _, fi := range resp.Fileinfo[chosenHash] {
		if fi.ArchiveName != "debian" {
			continue
		}
		count++
		matched = fi
	}
	if count == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoBinaryFound, pkg.Name, pkg.Version.String())
	}
	if count > 1 {
		return fmt.Errorf("%w: %s %s", ErrAmbiguousBinary, pkg.Name, pkg.Version.String())
	}

	firstSeen, err := parseFirstSeen(matched.FirstSeen)
	if err != nil {
		return err
	}
	hash, err := hex.DecodeString(chosenHash)
	if err != nil {
		return fmt.Errorf("%w: bad hash %q: %v", ErrBadJSON, chosenHash, err)
	}

	pkg.Architecture = chosenArch
	pkg.FirstSeen = firstSeen
	pkg.Hash = hash
	return nil
}

// ResolveAll fans GetBinRecord out across deps, bounded by
// MaxParallelLookups, writing results back into deps by index so that
// resolver bucketing, which depends on deterministic input order, is
// unaffected by completion order.
func (c *Client) ResolveAll(ctx context.Context, deps []*buildinfo.Package, buildArch string) error {
	limit := c.MaxParallelLookups
	if limit <= 0 {
		limit = 8
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			return c.GetBinRecord(ctx, dep, buildArch)
		})
	}
	return g.Wait()
}

// Fetch retrieves arbitrary bytes over HTTP(S) (e.g. a remote .buildinfo,
// or the Packages.gz indexes read by resolver.IndexAptCache).
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrTransport, rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FetchBuildInfo loads a .buildinfo from either an http(s) URL or a local
// path.
func (c *Client) FetchBuildInfo(ctx context.Context, ref string) ([]byte, error) {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return c.Fetch(ctx, ref)
	}
	return os.ReadFile(ref)
}
