package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Stage is the point of a trigger's life an Event reports.
type Stage string

const (
	StageSubmitted Stage = "submitted"
	StageFailed    Stage = "failed"
	StageSettled   Stage = "settled"
)

// Event describes a trigger lifecycle change.
type Event struct {
	Stage      Stage
	Time       time.Time
	Stream     string
	Selector   string
	Reason     string
	FreshPrice decimal.Decimal
	LastPrice  decimal.Decimal
	Deviation  int64
	TxHash     string
	Status     string
	GasUsed    uint64
	Error      string
}

// Notifier delivers trigger events to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// TelegramNotifier pushes events through the Telegram Bot API.
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

// Notify calls sendMessage with the rendered event.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
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
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Debug().
		Str("stage", string(event.Stage)).
		Str("stream", event.Stream).
		Str("tx", event.TxHash).
		Msg("event sent (Telegram)")
	return nil
}

func renderMessage(e Event) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Stream Guardian] trigger %s\n", e.Stage))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", e.Time.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Stream: %s (%s)\n", e.Stream, e.Selector))
	if e.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", e.Reason))
	}
	if !e.FreshPrice.IsZero() || !e.LastPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Fresh: %s, last: %s (+/- %d/1000)\n", e.FreshPrice.String(), e.LastPrice.String(), e.Deviation))
	}
	if e.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", e.TxHash))
	}
	if e.Status != "" {
		builder.WriteString(fmt.Sprintf("Status: %s, gas used %d\n", e.Status, e.GasUsed))
	}
	if e.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", e.Error))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
