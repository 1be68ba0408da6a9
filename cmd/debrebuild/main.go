// debrebuild rebuilds a Debian package from a recorded .buildinfo file: it
// resolves the exact build-dependencies against the snapshot archive,
// synthesizes the matching apt root and build plan, invokes an external
// builder, and verifies the produced checksums against the original.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Debian/debrebuild/builder"
	"github.com/Debian/debrebuild/environment"
	"github.com/Debian/debrebuild/rebuild"
	"github.com/Debian/debrebuild/snapshot"
)

// stringList accumulates repeated occurrences of a flag, the standard
// flag.Value idiom for "--flag a --flag b" CLI surfaces.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		output                = flag.String("output", "", "directory to write rebuilt artifacts into (default: current directory)")
		builderName           = flag.String("builder", "none", "external builder to invoke: none, mmdebstrap, sbuild")
		queryURL              = flag.String("query-url", "", "override the snapshot archive base URL")
		gpgSignKeyID          = flag.String("gpg-sign-keyid", "", "secret keyring file to sign the produced attestation with")
		gpgVerify             = flag.Bool("gpg-verify", false, "verify the input .buildinfo's inline signature before parsing")
		proxy                 = flag.String("proxy", "", "HTTP(S) proxy URL used for both snapshot and apt traffic")
		verbose               = flag.Bool("verbose", false, "enable progress logging")
		debug                 = flag.Bool("debug", false, "enable file:line debug logging")
		currentMirrorFallback = flag.Bool("current-mirror-fallback", false, "append a deb.debian.org fallback source (may allow source drift, see design notes)")
		force                 = flag.Bool("force", false, "overwrite an existing output .buildinfo")
	)
	var extraRepoFiles, extraRepoKeys, gpgVerifyKeys stringList
	flag.Var(&extraRepoFiles, "extra-repository-file", "file whose apt sources.list lines are appended (repeatable)")
	flag.Var(&extraRepoKeys, "extra-repository-key", "extra trusted keyring path for an extra repository (repeatable)")
	flag.Var(&gpgVerifyKeys, "gpg-verify-key", "keyring file used to verify the input .buildinfo (repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <buildinfo>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if *output == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "debrebuild: %v\n", err)
			os.Exit(1)
		}
		*output = cwd
	}

	var b builder.Builder
	switch *builderName {
	case "none", "":
		b = builder.None{}
	case "mmdebstrap":
		b = builder.Mmdebstrap{}
	case "sbuild":
		b = builder.Sbuild{}
	default:
		fmt.Fprintf(os.Stderr, "debrebuild: unknown --builder %q\n", *builderName)
		os.Exit(1)
	}

	proxyCfg := environment.ProxyConfig{}
	if *proxy != "" {
		proxyCfg.HTTP = *proxy
		proxyCfg.HTTPS = *proxy
	}
	transport, err := proxyCfg.Transport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "debrebuild: %v\n", err)
		os.Exit(1)
	}

	client := snapshot.NewClient(*queryURL, &http.Client{Transport: transport})

	var gpgSignKeyring stringList
	if *gpgSignKeyID != "" {
		// --gpg-sign-keyid names the secret keyring file holding the signing key.
		gpgSignKeyring = stringList{*gpgSignKeyID}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := rebuild.Options{
		BuildInfoRef:          flag.Arg(0),
		OutputDir:             *output,
		Force:                 *force,
		Builder:               b,
		SnapshotClient:        client,
		ExtraRepositoryFiles:  extraRepoFiles,
		ExtraKeyrings:         extraRepoKeys,
		CurrentMirrorFallback: *currentMirrorFallback,
		Proxy:                 proxyCfg,
		GPGVerify:             *gpgVerify,
		GPGVerifyKeyring:      gpgVerifyKeys,
		GPGSignKeyring:        gpgSignKeyring,
		Verbose:               *verbose,
		Debug:                 *debug,
	}

	result, err := rebuild.Run(ctx, opts)
	if err != nil {
		log.SetFlags(0)
		log.SetPrefix("debrebuild: ")
		log.Println(err)
		os.Exit(1)
	}

	if result.Rebuilt == nil {
		fmt.Printf("resolved %s %s: %d snapshot sources selected, no builder invoked\n",
			result.Original.Source, result.Original.Version.String(), len(result.SelectedSources))
		return
	}
	fmt.Printf("rebuilt %s %s: verified, attestation at %s\n", result.Rebuilt.Source, result.Rebuilt.Version.String(), result.StatementPath)
}
