package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"keyserve/internal/config"
	"keyserve/internal/keystore"
)

const usage = `keyctl manages the license key store directly, without the server.

Usage:
  keyctl init                                  create the store and seed the demo key
  keyctl generate [-max-uses N] [-expires-days N] [-note TEXT]
  keyctl list
  keyctl revoke -key KEY
  keyctl delete -key KEY
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// CLI runs are quiet; store-level logs go nowhere unless something
	// is genuinely wrong.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := keystore.Open(cfg.KeysFilePath(), cfg.UsageLogPath(), logger)
	if err != nil {
		slog.Error("failed to open key store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		// Open already created the snapshot and seeded the demo key.
		fmt.Printf("store initialized at %s (%d keys)\n", cfg.KeysFilePath(), len(store.List()))

	case "generate":
		fs := flag.NewFlagSet("generate", flag.ExitOnError)
		maxUses := fs.Int("max-uses", 1, "number of verifications the key allows")
		expiresDays := fs.Int("expires-days", 0, "days until expiry, 0 means never")
		note := fs.String("note", "", "free-form note attached to the key")
		fs.Parse(os.Args[2:])

		key, err := store.Create(*maxUses, *expiresDays, *note)
		if err != nil {
			slog.Error("failed to generate key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Println(key.Key)

	case "list":
		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTATUS\tUSES\tEXPIRES\tNOTE")
		for _, k := range store.List() {
			expires := "never"
			if k.Expires() {
				expires = k.ExpiresAt.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				k.Key, keystore.Classify(k, now), k.UsedCount, k.MaxUses, expires, k.Note)
		}
		w.Flush()

	case "revoke":
		key := keyArg("revoke")
		if err := store.Revoke(key); err != nil {
			slog.Error("failed to revoke key", slog.String("key", key), slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Printf("revoked %s\n", key)

	case "delete":
		key := keyArg("delete")
		if err := store.Delete(key); err != nil {
			slog.Error("failed to delete key", slog.String("key", key), slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Printf("deleted %s\n", key)

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func keyArg(cmd string) string {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	key := fs.String("key", "", "license key to operate on")
	fs.Parse(os.Args[2:])
	if *key == "" {
		fmt.Fprintf(os.Stderr, "keyctl %s: -key is required\n", cmd)
		os.Exit(2)
	}
	return *key
}
