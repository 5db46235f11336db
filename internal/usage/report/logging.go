package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Logging reports events as Info records on a structured logger.
type Logging struct {
	logger *slog.Logger
	run    string
}

func NewLogging(logger *slog.Logger, run string) *Logging {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Logging{logger: logger, run: run}
}

func (l *Logging) RecordFirstUsage(t time.Time, u *unit.Unit, sig unit.Signature) {
	e := NewEvent(t, u, sig, l.run)
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "function first used",
		slog.String("unit", e.Unit),
		slog.String("domain", e.Domain),
		slog.String("signature", string(e.Signature)),
		slog.Time("at", e.Time),
	)
}

func (l *Logging) FlushAndClose() error { return nil }
