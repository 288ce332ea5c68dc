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

// Notification carries the context of one significant price drop.
type Notification struct {
	EntityID         string
	Title            string
	URL              string
	OldPrice         decimal.Decimal
	NewPrice         decimal.Decimal
	DropPct          decimal.Decimal
	OpportunityScore float64
	ObservedAt       time.Time
}

// Notifier delivers price-drop notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
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

// Notify calls the sendMessage API with a rendered drop alert.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
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
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("entity_id", note.EntityID).
		Str("drop_pct", note.DropPct.StringFixed(1)).
		Msg("price drop alert sent")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Price Drop Alert]\n")
	builder.WriteString(fmt.Sprintf("Listing: %s\n", note.Title))
	builder.WriteString(fmt.Sprintf("Price: $%s -> $%s (-%s%%)\n",
		note.OldPrice.StringFixed(0), note.NewPrice.StringFixed(0), note.DropPct.StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Opportunity score: %.2f\n", note.OpportunityScore))
	builder.WriteString(fmt.Sprintf("Seen: %s UTC\n", note.ObservedAt.UTC().Format(time.RFC3339)))
	if note.URL != "" {
		builder.WriteString(note.URL)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
