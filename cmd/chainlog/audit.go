package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/audit"
	"github.com/ctrlai/chainlog/internal/config"
	"github.com/ctrlai/chainlog/internal/query"
	"github.com/ctrlai/chainlog/internal/recorder"
)

// ============================================================================
// chainlog audit: Query, verify and write the ledger
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and append audit events",
	Long: `The audit ledger keeps one hash chain per session. Each event's hash
covers the previous event's hash and the canonical encoding of the
event, so any edit, deletion or reordering of stored events breaks
the chain at that point.`,
}

func init() {
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditAppendCmd)
}

// withLedger opens the configured ledger for a one-shot command. The
// context is cancelled on SIGINT/SIGTERM.
func withLedger(fn func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := openLedger(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(ctx, cfg, l)
}

// Audit query flags.
var (
	auditQuerySession string
	auditQueryRun     string
	auditQueryType    string
	auditQuerySince   string
	auditQueryUntil   string
	auditQueryLimit   int
	auditQueryJSON    bool
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query the ledger. Filters combine with AND; results are in append order.

Examples:
  chainlog audit query --session s1 --type 'tool.*' --since 1h
  chainlog audit query --run r42 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error {
			svc := query.New(l, query.Options{
				DefaultLimit: cfg.Query.DefaultLimit,
				MaxLimit:     cfg.Query.MaxLimit,
				Timeout:      cfg.Query.Timeout(),
			})
			events, err := svc.Events(ctx, query.Params{
				SessionID: auditQuerySession,
				RunID:     auditQueryRun,
				Type:      auditQueryType,
				Since:     auditQuerySince,
				Until:     auditQueryUntil,
				Limit:     auditQueryLimit,
			})
			if err != nil {
				return fmt.Errorf("audit query failed: %w", err)
			}

			if auditQueryJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("No matching audit events found.")
				return nil
			}
			for _, ev := range events {
				printEvent(ev)
			}
			fmt.Printf("\n%d events found.\n", len(events))
			return nil
		})
	},
}

func init() {
	f := auditQueryCmd.Flags()
	f.StringVar(&auditQuerySession, "session", "", "Filter by session ID")
	f.StringVar(&auditQueryRun, "run", "", "Filter by run ID")
	f.StringVar(&auditQueryType, "type", "", "Filter by event type or glob (e.g. 'tool.*')")
	f.StringVar(&auditQuerySince, "since", "", "RFC 3339 time or duration ago (e.g. 1h, 30m)")
	f.StringVar(&auditQueryUntil, "until", "", "RFC 3339 time or duration ago")
	f.IntVar(&auditQueryLimit, "limit", 0, "Maximum number of events (0 = configured default)")
	f.BoolVar(&auditQueryJSON, "json", false, "Print events as JSON")
}

// Audit verify flags.
var (
	auditVerifySession string
	auditVerifyLimit   int
)

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a session's hash chain",
	Long: `Recompute every hash in a session chain, oldest first, and check each
event links to the one before it. Exits non-zero if the chain is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error {
			res, err := l.Validate(ctx, auditVerifySession, auditVerifyLimit)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if res.Valid {
				fmt.Printf("[chainlog] Hash chain VALID (%d events verified)\n", res.EventCount)
				return nil
			}
			fmt.Printf("[chainlog] Hash chain BROKEN at event #%d\n", res.InvalidIndex)
			fmt.Printf("  Expected: %s\n", res.Expected)
			fmt.Printf("  Actual:   %s\n", res.Actual)
			return fmt.Errorf("audit chain integrity violation detected in session %s", auditVerifySession)
		})
	},
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditVerifySession, "session", "", "Session ID (required)")
	auditVerifyCmd.Flags().IntVar(&auditVerifyLimit, "limit", 0, "Verify only the first N events (0 = all)")
	auditVerifyCmd.MarkFlagRequired("session")
}

// Audit export flags.
var (
	auditExportSession string
	auditExportFormat  string
)

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a session's events",
	Long: `Export every event of a session to stdout.
Supported formats: jsonl, json, csv.

Example:
  chainlog audit export --session s1 --format csv > s1.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch auditExportFormat {
		case "jsonl", "json", "csv":
		default:
			return fmt.Errorf("unknown export format %q (use jsonl, json, or csv)", auditExportFormat)
		}
		return withLedger(func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error {
			return l.Export(ctx, os.Stdout, auditExportFormat, auditExportSession)
		})
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportSession, "session", "", "Session ID (required)")
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	auditExportCmd.MarkFlagRequired("session")
}

// Audit tail flags.
var (
	auditTailSession string
	auditTailLimit   int
	auditTailFollow  bool
)

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest events of a session",
	Long:  `Show the most recent events of a session. Use -f to follow new events (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error {
			head, err := l.Head(ctx, auditTailSession)
			if err != nil {
				return err
			}
			var after uint64
			if n := uint64(max(auditTailLimit, 0)); head.Seq > n {
				after = head.Seq - n
			}
			events, err := l.Range(ctx, audit.Filter{SessionID: auditTailSession, AfterSeq: after, Limit: max(auditTailLimit, 1)})
			if err != nil {
				return fmt.Errorf("failed to read audit events: %w", err)
			}
			for _, ev := range events {
				printEvent(ev)
			}

			if !auditTailFollow {
				return nil
			}
			err = l.Follow(ctx, auditTailSession, head.Seq, 500*time.Millisecond, printEvent)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

func init() {
	auditTailCmd.Flags().StringVar(&auditTailSession, "session", "", "Session ID (required)")
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent events to show")
	auditTailCmd.Flags().BoolVarP(&auditTailFollow, "follow", "f", false, "Follow new events in real time")
	auditTailCmd.MarkFlagRequired("session")
}

// Audit append flags.
var (
	auditAppendSession string
	auditAppendRun     string
	auditAppendType    string
	auditAppendData    string
	auditAppendTS      string
)

var auditAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event to a session chain",
	Long: `Append one event. Conflicts with concurrent writers are retried.

Example:
  chainlog audit append --session s1 --run r1 --type tool.invoked --data '{"tool":"search"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := audit.Draft{
			SessionID: auditAppendSession,
			RunID:     auditAppendRun,
			Type:      auditAppendType,
		}
		if auditAppendData != "" {
			dec := json.NewDecoder(bytes.NewReader([]byte(auditAppendData)))
			dec.UseNumber()
			if err := dec.Decode(&d.Data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}
		if auditAppendTS != "" {
			ts, err := time.Parse(time.RFC3339Nano, auditAppendTS)
			if err != nil {
				return fmt.Errorf("--ts must be RFC 3339: %w", err)
			}
			d.Timestamp = ts
		}

		return withLedger(func(ctx context.Context, cfg *config.Config, l *audit.Ledger) error {
			ev, err := recorder.New(l, recorder.Options{}).Record(ctx, d)
			if err != nil {
				return fmt.Errorf("append failed: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ev)
		})
	},
}

func init() {
	f := auditAppendCmd.Flags()
	f.StringVar(&auditAppendSession, "session", "", "Session ID (required)")
	f.StringVar(&auditAppendRun, "run", "", "Run ID")
	f.StringVar(&auditAppendType, "type", "", "Event type, e.g. tool.invoked (required)")
	f.StringVar(&auditAppendData, "data", "", "Event data as a JSON object")
	f.StringVar(&auditAppendTS, "ts", "", "Event time (RFC 3339); defaults to now")
	auditAppendCmd.MarkFlagRequired("session")
	auditAppendCmd.MarkFlagRequired("type")
}

// printEvent prints one event as a single line.
func printEvent(ev audit.Event) {
	data, _ := json.Marshal(ev.Data)
	run := ev.RunID
	if run == "" {
		run = "-"
	}
	fmt.Printf("[%s] session=%-12s run=%-12s type=%-18s hash=%s data=%s\n",
		audit.FormatTime(ev.Timestamp), ev.SessionID, run, ev.Type, shortHash(ev.Hash), data)
	if err := ev.DecodeErr(); err != nil {
		fmt.Printf("  UNREADABLE: %v\n", err)
	}
}

// shortHash trims a "sha256:<hex>" digest for terminal display.
func shortHash(h string) string {
	if len(h) > 19 {
		return h[:19]
	}
	return h
}
