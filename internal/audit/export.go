package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export writes every event of a session to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv". In csv the data
// column holds the canonical JSON of the event data.
func (l *Ledger) Export(ctx context.Context, w io.Writer, format, sessionID string) error {
	if !IDPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: session_id %q", ErrInvalidQuery, sessionID)
	}

	switch format {
	case "json":
		var events []Event
		err := l.Walk(ctx, sessionID, func(ev Event) bool {
			events = append(events, ev)
			return true
		})
		if err != nil {
			return err
		}
		if events == nil {
			events = []Event{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"seq", "event_id", "ts", "session_id", "run_id", "type", "data", "prev_hash", "hash"}); err != nil {
			return err
		}
		var werr error
		err := l.Walk(ctx, sessionID, func(ev Event) bool {
			r, err := toRow(ev)
			if err != nil {
				werr = err
				return false
			}
			werr = cw.Write([]string{
				strconv.FormatUint(r.Seq, 10),
				r.EventID,
				r.TS,
				r.SessionID,
				r.RunID,
				r.Type,
				r.Data,
				r.PrevHash,
				r.Hash,
			})
			return werr == nil
		})
		if err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		var werr error
		err := l.Walk(ctx, sessionID, func(ev Event) bool {
			werr = enc.Encode(ev)
			return werr == nil
		})
		if err != nil {
			return err
		}
		return werr

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
