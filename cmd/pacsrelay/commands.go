package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pacsrelay/pacsrelay/internal/config"
	"github.com/pacsrelay/pacsrelay/internal/forward"
	"github.com/pacsrelay/pacsrelay/internal/ledger"
	"github.com/pacsrelay/pacsrelay/internal/relay"
	"github.com/pacsrelay/pacsrelay/internal/retention"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

func newInitCmd() *cobra.Command {
	var output string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeExampleConfig(output, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nEdit the upstream section, then run:\n  pacsrelay serve -c %s\n", output, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "pacsrelay.yaml", "config file to write")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func writeExampleConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(config.Example), 0600)
}

type sendFlags struct {
	patient  string
	study    string
	series   string
	modality string
	host     string
	port     int
	called   string
}

func newSendCmd() *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send <file>...",
		Short: "Forward files to the upstream (or another relay)",
		Long: `Send one or more files using the relay's forward engine and retry policy.
The instance identifier of each object is the file name without extension.

Examples:
  pacsrelay send -c relay.yaml --patient P1 --study S1 --series SE1 image1.dcm image2.dcm
  pacsrelay send -c relay.yaml --host 127.0.0.1 --port 11112 --called PACSRELAY scan.dcm`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args, f)
		},
	}
	cmd.Flags().StringVar(&f.patient, "patient", "", "patient identifier")
	cmd.Flags().StringVar(&f.study, "study", "", "study identifier")
	cmd.Flags().StringVar(&f.series, "series", "", "series identifier")
	cmd.Flags().StringVar(&f.modality, "modality", "", "modality")
	cmd.Flags().StringVar(&f.host, "host", "", "override upstream address")
	cmd.Flags().IntVar(&f.port, "port", 0, "override upstream port")
	cmd.Flags().StringVar(&f.called, "called", "", "override upstream identity")
	return cmd
}

// objectFromFile reads path into an object carrying the given identifiers.
func objectFromFile(path string, f sendFlags) (*proto.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	md := proto.Metadata{
		PatientID:   f.patient,
		StudyUID:    f.study,
		SeriesUID:   f.series,
		InstanceUID: strings.TrimSuffix(base, filepath.Ext(base)),
		Modality:    f.modality,
	}
	return &proto.Object{Metadata: md.Normalize(), Payload: data}, nil
}

func runSend(cmd *cobra.Command, files []string, f sendFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	upstream := relay.UpstreamOptions(cfg)
	if f.host != "" {
		upstream.Host = f.host
	}
	if f.port != 0 {
		upstream.Port = f.port
	}
	if f.called != "" {
		upstream.RemoteIdentity = f.called
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}
	engine := forward.NewEngine(dialer, upstream, cfg.RetryAttempts, nil)

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range files {
		obj, err := objectFromFile(path, f)
		if err != nil {
			failed++
			log.Error().Err(err).Str("file", path).Msg("cannot read file")
			continue
		}
		attempts, err := engine.ForwardWithResult(cmd.Context(), obj)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "FAIL  %s (%d attempts): %v\n", path, attempts, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "OK    %s -> %s\n", path, upstream.Addr())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files not sent", failed, len(files))
	}
	return nil
}

func newEchoCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Verify the upstream accepts sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dialer, err := newDialer(cfg)
			if err != nil {
				return err
			}
			upstream := relay.UpstreamOptions(cfg)
			engine := forward.NewEngine(dialer, upstream, 1, nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			if err := engine.Echo(ctx); err != nil {
				return fmt.Errorf("echo %s (%s): %w", upstream.Addr(), upstream.RemoteIdentity, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "echo %s (%s): ok in %s\n",
				upstream.Addr(), upstream.RemoteIdentity, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "round trip timeout")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if days == 0 {
				days = cfg.AutoDeleteDays
			}
			if days <= 0 {
				return errors.New("retention is disabled (auto_delete_days is 0); pass --days to sweep anyway")
			}

			a, closeAudit, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer closeAudit()

			l := ledger.Open(cfg.LedgerFile)
			sweeper := retention.New(l, time.Duration(days)*24*time.Hour, cfg.StorageDir, nil)
			sweeper.SetAudit(a)
			res := sweeper.Sweep()

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cutoff %s: deleted %d, missing %d, failed %d, freed %d bytes, %d entries remain\n",
				res.Cutoff.Format(time.RFC3339), res.Deleted, res.Missing, res.Failed, res.BytesFreed, l.Len())
			if len(res.Errors) > 0 {
				return errors.Join(res.Errors...)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default: auto_delete_days)")
	return cmd
}

func newLedgerCmd() *cobra.Command {
	var olderThan int

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List forwarded files awaiting retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			l := ledger.Open(cfg.LedgerFile)
			entries := l.Entries()
			if olderThan > 0 {
				entries = l.Expired(time.Now().Add(-time.Duration(olderThan) * 24 * time.Hour))
			}
			return printLedger(cmd, entries)
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than", 0, "only entries forwarded more than this many days ago")
	return cmd
}

func printLedger(cmd *cobra.Command, entries []ledger.Entry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FORWARDED\tAGE\tPATH")
	now := time.Now()
	for _, e := range entries {
		age := now.Sub(e.ForwardedAt).Truncate(time.Minute)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.ForwardedAt.Format(time.RFC3339), age, e.Path)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d entries\n", len(entries))
	return nil
}
