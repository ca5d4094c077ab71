package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-go/call-relay/pkg/relay/cache"
	"github.com/vango-go/call-relay/pkg/relay/transcript"
)

func newMigrateCommand(stderr io.Writer, deps serveDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply transcript archive migrations to RELAY_DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return errors.New("RELAY_DATABASE_URL is not set")
			}
			store, err := transcript.OpenPostgres(cmd.Context(), cfg.DatabaseURL, cfg.NewLogger(stderr))
			if err != nil {
				return err
			}
			store.Close()
			return nil
		},
	}
}

func newCacheCommand(stdout io.Writer) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted response cache",
	}

	var dir string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the entries of a cache snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = os.Getenv("RELAY_CACHE_DIR")
			}
			if dir == "" {
				return errors.New("--dir or RELAY_CACHE_DIR is required")
			}
			return dumpCache(cmd.Context(), stdout, dir)
		},
	}
	dump.Flags().StringVar(&dir, "dir", "", "cache snapshot directory (default RELAY_CACHE_DIR)")
	cacheCmd.AddCommand(dump)
	return cacheCmd
}

func dumpCache(ctx context.Context, w io.Writer, dir string) error {
	store, err := cache.OpenStore(cache.StoreOptions{Dir: dir})
	if err != nil {
		return err
	}
	defer store.Close()

	entries, bad, err := store.Load(ctx)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].HitCount != entries[j].HitCount {
			return entries[i].HitCount > entries[j].HitCount
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tLANGUAGE\tSTATE\tHITS\tINPUT\tRESPONSE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Fingerprint, e.Language, e.StateID, e.HitCount, oneLine(e.InputNormalized), oneLine(e.Response))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(bad) > 0 {
		fmt.Fprintf(w, "%d unreadable records skipped\n", len(bad))
	}
	return nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}
