package audit

import (
	"context"
	"fmt"
)

// VerifyResult holds the outcome of a chain verification.
//
// InvalidIndex is the 0-based position (oldest first) of the first event
// that fails, or -1 when every checked event passes. Expected and Actual
// describe the failing comparison for human display and are not part of
// the JSON shape.
type VerifyResult struct {
	Valid        bool `json:"valid"`
	InvalidIndex int  `json:"invalid_index"`
	EventCount   int  `json:"event_count"`

	Expected string `json:"-"`
	Actual   string `json:"-"`
}

// chainVerifier checks events one at a time in chain order.
type chainVerifier struct {
	res  VerifyResult
	prev string
}

func newChainVerifier() *chainVerifier {
	return &chainVerifier{
		res:  VerifyResult{Valid: true, InvalidIndex: -1},
		prev: GenesisHash,
	}
}

// check counts the next event and verifies it while the chain is still
// intact. After the first failure events are only counted.
func (v *chainVerifier) check(e *Event) {
	i := v.res.EventCount
	v.res.EventCount++
	if !v.res.Valid {
		return
	}

	if e.PrevHash != v.prev {
		v.fail(i, v.prev, e.PrevHash)
		return
	}
	expected, err := computeHash(e)
	if err != nil {
		v.fail(i, "undecodable event: "+err.Error(), e.Hash)
		return
	}
	if expected != e.Hash {
		v.fail(i, expected, e.Hash)
		return
	}
	v.prev = e.Hash
}

func (v *chainVerifier) fail(i int, expected, actual string) {
	v.res.Valid = false
	v.res.InvalidIndex = i
	v.res.Expected = expected
	v.res.Actual = actual
}

// ValidateEvents verifies a session chain given oldest first. The first
// event must link to GenesisHash, each later one to its predecessor, and
// every stored hash must match the recomputed digest. The first failure
// wins; EventCount is always len(events). An empty slice is valid.
func ValidateEvents(events []Event) VerifyResult {
	v := newChainVerifier()
	for i := range events {
		v.check(&events[i])
	}
	return v.res
}

// Validate verifies the session chain from its first event, checking at
// most limit events (all of them when limit is zero). EventCount is the
// number of events in that range, whether or not the chain breaks inside
// it. It never modifies
// the store. A deadline that expires mid-scan yields ErrTimeout and no
// result.
func (l *Ledger) Validate(ctx context.Context, sessionID string, limit int) (VerifyResult, error) {
	if !IDPattern.MatchString(sessionID) {
		return VerifyResult{}, fmt.Errorf("%w: session_id %q", ErrInvalidQuery, sessionID)
	}
	if limit < 0 {
		return VerifyResult{}, fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}

	v := newChainVerifier()
	err := l.Walk(ctx, sessionID, func(ev Event) bool {
		if limit > 0 && v.res.EventCount >= limit {
			return false
		}
		v.check(&ev)
		return true
	})
	if err != nil {
		return VerifyResult{}, err
	}
	if err := ctxErr(ctx); err != nil {
		return VerifyResult{}, err
	}
	return v.res, nil
}
