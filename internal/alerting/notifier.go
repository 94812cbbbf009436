package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alert kinds.
const (
	KindHighRisk      = "high_risk"
	KindPaymentFailed = "payment_failed"
	KindPriceOutage   = "price_outage"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          string
	At            time.Time
	ChannelID     string
	Role          string
	TargetUSD     decimal.Decimal
	ReceiverUSD   decimal.Decimal
	DeviationPct  decimal.Decimal
	Price         decimal.Decimal
	RiskLevel     int
	AmountMsat    uint64
	Error         string
	AdditionalMsg string
}

// Key identifies notifications that share a cooldown.
func (n Notification) Key() string {
	return n.Kind + "/" + n.ChannelID
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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

// Notify 调用 sendMessage API 推送文本。
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", note.Kind).
		Str("channel_id", note.ChannelID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Stable Channel Alert: %s]\n", note.Kind))
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", at.UTC().Format(time.RFC3339)))
	if note.ChannelID != "" {
		builder.WriteString(fmt.Sprintf("Channel: %s (%s)\n", note.ChannelID, note.Role))
	}
	if !note.TargetUSD.IsZero() {
		builder.WriteString(fmt.Sprintf("Target: $%s, receiver: $%s\n", note.TargetUSD.StringFixed(2), note.ReceiverUSD.StringFixed(2)))
		builder.WriteString(fmt.Sprintf("Deviation: %s%%\n", note.DeviationPct.StringFixed(3)))
	}
	if !note.Price.IsZero() {
		builder.WriteString(fmt.Sprintf("BTC price: $%s\n", note.Price.StringFixed(2)))
	}
	if note.RiskLevel > 0 {
		builder.WriteString(fmt.Sprintf("Risk level: %d\n", note.RiskLevel))
	}
	if note.AmountMsat > 0 {
		builder.WriteString(fmt.Sprintf("Amount: %d msat\n", note.AmountMsat))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Throttle suppresses repeats of the same notification key within cooldown.
type Throttle struct {
	next     Notifier
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle wraps next. A non-positive cooldown disables throttling.
func NewThrottle(next Notifier, cooldown time.Duration) *Throttle {
	return &Throttle{next: next, cooldown: cooldown, now: time.Now, last: make(map[string]time.Time)}
}

// Notify implements Notifier. Suppressed notifications return nil.
func (t *Throttle) Notify(ctx context.Context, note Notification) error {
	key := note.Key()
	t.mu.Lock()
	now := t.now()
	if prev, ok := t.last[key]; ok && t.cooldown > 0 && now.Sub(prev) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.last[key] = now
	t.mu.Unlock()

	if err := t.next.Notify(ctx, note); err != nil {
		t.mu.Lock()
		delete(t.last, key)
		t.mu.Unlock()
		return err
	}
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Throttle)(nil)
)
