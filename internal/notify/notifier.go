// Package notify pushes migration outcomes to operator chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
)

// Event names, as listed in notify.events.
const (
	EventMigrationCompleted = "migration_completed"
	EventMigrationFailed    = "migration_failed"
)

// Field is one labelled line of an alert.
type Field struct {
	Name  string
	Value string
}

// Alert is a channel-neutral message. Senders decide how to render it.
type Alert struct {
	Event  string
	Title  string
	Fields []Field
	Failed bool
}

// Text renders the fields as "Name: value" lines.
func (a Alert) Text() string {
	var b strings.Builder
	for i, f := range a.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sender delivers an alert to one channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier fans alerts out to every sender. When events is non-empty only
// the listed event names are delivered.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	n := &Notifier{
		senders: senders,
		events:  make(map[string]bool, len(events)),
		logger:  logger.With(slog.String("component", "notifier")),
	}
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			n.events[e] = true
		}
	}
	return n
}

// Notify delivers a to every sender. A failing sender does not stop the
// others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if len(n.events) > 0 && !n.events[a.Event] {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.WarnContext(ctx, "alert not delivered",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MigrationCompleted announces a successful migration.
func (n *Notifier) MigrationCompleted(ctx context.Context, r domain.MigrationReceipt) error {
	return n.Notify(ctx, Alert{
		Event: EventMigrationCompleted,
		Title: "Position " + strconv.FormatUint(uint64(r.PositionID), 10) + " migrated",
		Fields: []Field{
			{"Collateral", fixedpoint.FormatWad(r.DepositedCollateral) + " ETH (fee " + fixedpoint.FormatWad(r.Fee) + ")"},
			{"Repaid", fixedpoint.FormatWad(r.RepaidDebt) + " DAI"},
			{"Drawn", fixedpoint.FormatWad(r.Drawn) + " LUSD"},
			{"Surplus", fixedpoint.FormatWad(r.Surplus) + " DAI"},
			{"Trove owner", r.DestinationOwner.Hex()},
			{"ID", r.ID},
		},
	})
}

// MigrationFailed announces a rejected migration attempt.
func (n *Notifier) MigrationFailed(ctx context.Context, rec domain.MigrationRecord) error {
	return n.Notify(ctx, Alert{
		Event:  EventMigrationFailed,
		Title:  "Position " + strconv.FormatUint(uint64(rec.PositionID), 10) + " migration failed",
		Failed: true,
		Fields: []Field{
			{"Kind", string(rec.ErrorKind)},
			{"Reason", rec.ErrorMessage},
			{"Caller", rec.Caller.Hex()},
			{"ID", rec.ID},
		},
	})
}
