package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blastguard.ai/internal/ledger"
)

var (
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerTimeout     = errors.New("ledger timeout")
	ErrMalformedRecord   = errors.New("malformed ledger record")
)

type FallbackKind string

const (
	FallbackLedgerUnavailable FallbackKind = "ledger_unavailable"
	FallbackLedgerTimeout     FallbackKind = "ledger_timeout"
	FallbackMalformedRecord   FallbackKind = "malformed_record"
	FallbackPanic             FallbackKind = "panic"
)

// LedgerError is returned by Engine.Evaluate when provenance could not be
// established. The caller treats the block as not player placed.
type LedgerError struct {
	Kind  FallbackKind
	Coord ledger.Coord
	Err   error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Coord, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool {
	switch e.Kind {
	case FallbackLedgerTimeout:
		return target == ErrLedgerTimeout
	case FallbackMalformedRecord:
		return target == ErrMalformedRecord
	case FallbackLedgerUnavailable:
		return target == ErrLedgerUnavailable
	}
	return false
}

func classify(c ledger.Coord, err error) *LedgerError {
	kind := FallbackLedgerUnavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FallbackLedgerTimeout
	case errors.Is(err, ledger.ErrMalformed):
		kind = FallbackMalformedRecord
	}
	return &LedgerError{Kind: kind, Coord: c, Err: err}
}

// FallbackEvent describes one fail-open decision.
type FallbackEvent struct {
	ID    string       `json:"id"`
	At    time.Time    `json:"at"`
	Coord ledger.Coord `json:"coord"`
	Kind  FallbackKind `json:"kind"`
	Err   string       `json:"err"`
}

// FallbackReporter receives every fallback. Implementations must be safe for
// concurrent use and must not block for long.
type FallbackReporter interface {
	ReportFallback(ev FallbackEvent)
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }
