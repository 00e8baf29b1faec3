package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moneymate/internal/alerts"
)

// Notification carries one alert firing to the delivery channels.
type Notification struct {
	AlertID      uuid.UUID
	CurrencyCode string
	Kind         alerts.Kind
	Threshold    decimal.Decimal
	PreviousRate decimal.Decimal
	CurrentRate  decimal.Decimal
	TriggeredAt  time.Time
	Title        string
	Message      string
	Channels     []string
}

// FromFiring builds the notification for a fired alert.
func FromFiring(f alerts.Firing, channels []string) Notification {
	def := f.Alert.Definition()
	return Notification{
		AlertID:      def.ID,
		CurrencyCode: def.CurrencyCode,
		Kind:         def.Kind,
		Threshold:    def.Threshold,
		PreviousRate: f.Previous,
		CurrentRate:  f.Current,
		TriggeredAt:  f.At,
		Title:        def.Title,
		Message:      def.Message,
		Channels:     channels,
	}
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts notifications through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().Str("alert_id", note.AlertID.String()).
		Str("currency", note.CurrencyCode).
		Str("kind", string(note.Kind)).
		Msg("alert delivered (telegram)")
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("alert_id", note.AlertID.String()).
		Str("currency", note.CurrencyCode).
		Str("kind", string(note.Kind)).
		Str("threshold", note.Threshold.String()).
		Str("previous", note.PreviousRate.String()).
		Str("current", note.CurrentRate.String()).
		Time("triggered_at", note.TriggeredAt).
		Msg(note.Message)
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is attempted.
type Multi []Notifier

// Notify delivers to each notifier and joins the failures.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenderMessage formats the plain-text alert body.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	title := note.Title
	if title == "" {
		title = note.CurrencyCode + " price alert"
	}
	builder.WriteString(fmt.Sprintf("[%s]\n", title))
	if note.Message != "" {
		builder.WriteString(note.Message + "\n")
	}
	builder.WriteString(fmt.Sprintf("Currency: %s\n", note.CurrencyCode))
	builder.WriteString(fmt.Sprintf("Condition: %s %s\n", note.Kind, thresholdLabel(note)))
	builder.WriteString(fmt.Sprintf("Rate: %s -> %s\n", note.PreviousRate.StringFixed(4), note.CurrentRate.StringFixed(4)))
	if note.Kind == alerts.KindPercentChange {
		builder.WriteString(fmt.Sprintf("Change: %s%%\n", alerts.ChangePct(note.PreviousRate, note.CurrentRate).StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Triggered: %s UTC\n", note.TriggeredAt.UTC().Format(time.RFC3339)))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

func thresholdLabel(note Notification) string {
	if note.Kind == alerts.KindPercentChange {
		return note.Threshold.String() + "%"
	}
	return note.Threshold.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
