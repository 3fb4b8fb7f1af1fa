package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bandforband/dueld/internal/domain"
)

// DuelListener subscribes to duel lifecycle events on the signal bus and
// forwards operator-relevant ones to the Notifier.
type DuelListener struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewDuelListener creates a DuelListener.
func NewDuelListener(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *DuelListener {
	return &DuelListener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "duel_listener")),
	}
}

// Run consumes bus events until ctx is cancelled. Call in a goroutine.
func (l *DuelListener) Run(ctx context.Context) error {
	channels := []string{
		domain.EventDuelCreated,
		domain.EventDuelActive,
		domain.EventDuelSettled,
		domain.EventDuelCancelled,
	}

	for _, channel := range channels {
		msgs, err := l.bus.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", channel, err)
		}
		go l.consume(ctx, channel, msgs)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (l *DuelListener) consume(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			l.handle(ctx, channel, payload)
		}
	}
}

func (l *DuelListener) handle(ctx context.Context, event string, payload []byte) {
	var evt domain.DuelEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		l.logger.DebugContext(ctx, "unparseable duel event",
			slog.String("channel", event),
			slog.String("error", err.Error()),
		)
		return
	}

	title, message := formatDuelEvent(evt)
	if err := l.notifier.Notify(ctx, event, title, message); err != nil {
		l.logger.WarnContext(ctx, "duel notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func formatDuelEvent(evt domain.DuelEvent) (title, message string) {
	d := evt.Duel
	switch evt.Event {
	case domain.EventDuelCreated:
		return fmt.Sprintf("Duel #%d created", d.ID),
			fmt.Sprintf("%s staked %d for %d seconds", d.Creator, d.StakeAmount, d.DurationSeconds)
	case domain.EventDuelActive:
		return fmt.Sprintf("Duel #%d live", d.ID),
			fmt.Sprintf("%s vs %s, window closes %s", d.Creator, d.Opponent, d.EndTime.Format("15:04:05 MST"))
	case domain.EventDuelSettled:
		return fmt.Sprintf("Duel #%d settled", d.ID),
			fmt.Sprintf("winner: %s (%s vs %s)", d.Winner, d.Creator, d.Opponent)
	case domain.EventDuelCancelled:
		return fmt.Sprintf("Duel #%d cancelled", d.ID),
			fmt.Sprintf("withdrawn by %s", d.Creator)
	default:
		return fmt.Sprintf("Duel #%d: %s", d.ID, evt.Event), ""
	}
}
