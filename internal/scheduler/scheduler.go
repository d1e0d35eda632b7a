// Package scheduler implements the tick-based reminder delivery loop: it
// polls for due reminders and delivers them locally or via Telegram.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/antigravity-dev/sidekick/internal/config"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

const (
	deliveryAttempts = 3
	backoffBase      = time.Second
)

// Scheduler runs the reminder delivery tick loop.
type Scheduler struct {
	cfg    *config.Config
	store  *store.Store
	bus    *events.Bus
	client *http.Client
	logger *slog.Logger

	// telegramBase is swapped in tests; empty means api.telegram.org.
	telegramBase string

	// backoff between delivery attempts; shrunk in tests.
	backoff time.Duration

	// now is swapped in tests for deterministic claims.
	now func() time.Time
}

// New creates a Scheduler over the store.
func New(cfg *config.Config, s *store.Store, bus *events.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   s,
		bus:     bus,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "scheduler"),
		backoff: backoffBase,
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled, ticking at the configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Reminders.PollInterval.Duration
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.logger.Info("reminder scheduler started", "poll_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims and delivers all currently due reminders. Exposed for tests
// and the QA endpoints.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.ClaimDueReminders(s.now())
	if err != nil {
		s.logger.Error("reminder claim failed", "error", err)
		return
	}
	for _, rem := range due {
		s.deliver(ctx, rem)
	}
}

// eventRunID keeps reminder events attached to the originating run when
// there is one, or to a synthetic per-reminder stream otherwise.
func eventRunID(rem *store.Reminder) string {
	if rem.RunID != "" {
		return rem.RunID
	}
	return "reminder:" + rem.ID
}

func (s *Scheduler) deliver(ctx context.Context, rem *store.Reminder) {
	runID := eventRunID(rem)
	s.emit(runID, events.ReminderDue, map[string]any{
		"reminder_id": rem.ID, "text": rem.Text, "delivery": rem.Delivery,
	})

	var err error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoff << (attempt - 1)):
			}
		}
		if err = s.deliverOnce(ctx, rem); err == nil {
			break
		}
		s.logger.Warn("reminder delivery attempt failed",
			"reminder_id", rem.ID, "attempt", attempt+1, "error", err)
	}

	if err != nil {
		if merr := s.store.MarkReminderFailed(rem.ID, err.Error()); merr != nil {
			s.logger.Error("reminder status update failed", "reminder_id", rem.ID, "error", merr)
		}
		s.emit(runID, events.ReminderFailed, map[string]any{"reminder_id": rem.ID, "error": err.Error()})
		return
	}
	if merr := s.store.MarkReminderSent(rem.ID); merr != nil {
		s.logger.Error("reminder status update failed", "reminder_id", rem.ID, "error", merr)
	}
	s.emit(runID, events.ReminderSent, map[string]any{"reminder_id": rem.ID, "delivery": rem.Delivery})
}

func (s *Scheduler) deliverOnce(ctx context.Context, rem *store.Reminder) error {
	switch rem.Delivery {
	case store.DeliveryTelegram:
		return s.sendTelegram(ctx, rem)
	default:
		// Local delivery surfaces through the log and the event stream.
		s.logger.Info("напоминание", "reminder_id", rem.ID, "text", rem.Text)
		return nil
	}
}

// sendTelegram posts the reminder text through the Bot API.
func (s *Scheduler) sendTelegram(ctx context.Context, rem *store.Reminder) error {
	token := s.cfg.Reminders.TelegramToken
	chatID := s.cfg.Reminders.TelegramChatID
	if token == "" || chatID == "" {
		return fmt.Errorf("telegram delivery not configured")
	}

	base := s.telegramBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, token)

	body, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    "Напоминание: " + rem.Text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}
	return nil
}

func (s *Scheduler) emit(runID, typ string, payload map[string]any) {
	if _, err := s.bus.EmitJSON(runID, typ, payload, "", ""); err != nil {
		s.logger.Error("reminder event emit failed", "type", typ, "error", err)
	}
}
