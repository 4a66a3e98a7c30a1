// Package main provides a tool that verifies the hash chain of message log
// archive files
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"

	"github.com/msglog-engine/go-core/internal/archive"
	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/logging"
	"github.com/msglog-engine/go-core/pkg/types"
)

func main() {
	var (
		keyRing    = flag.String("keyring", "", "Armored private key ring for encrypted archives")
		seedDigest = flag.String("seed-digest", "", "Digest the first archive must continue from")
		seedFile   = flag.String("seed-file", "", "File name the first archive must continue from")
		noSort     = flag.Bool("no-sort", false, "Verify files in the given order instead of by name")
		logLevel   = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] ARCHIVE...\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Archives of one group are verified as a single chain.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.New(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var keys openpgp.EntityList
	if *keyRing != "" {
		if keys, err = archive.LoadKeyRing(*keyRing); err != nil {
			logger.Fatal("Failed to load key ring", zap.Error(err))
		}
	}

	var seed *types.DigestEntry
	if *seedDigest != "" {
		seed = &types.DigestEntry{Digest: *seedDigest, FileName: *seedFile}
	}

	paths := flag.Args()
	if !*noSort {
		sort.Strings(paths)
	}

	results, err := archive.VerifySequence(paths, keys, seed)
	for _, v := range results {
		fmt.Printf("OK   %s  %d entries  %s\n", v.File, len(v.Entries), v.LastDigest)
	}
	if err != nil {
		fmt.Printf("FAIL %v\n", err)
		logger.Debug("Verification failed", zap.String("code", types.ErrorCode(err)))
		os.Exit(1)
	}
	logger.Info("All archives verified", zap.Int("files", len(results)))
}
