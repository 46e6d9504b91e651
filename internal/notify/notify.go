// Package notify provides notification functionality for the trading application.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"spot-trader/internal/config"
	"spot-trader/internal/models"
	"spot-trader/internal/risk"
	"spot-trader/internal/security"
	"spot-trader/pkg/utils"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendLedger(ctx context.Context, entry models.LedgerEntry) error
	SendHalt(ctx context.Context, strategy, symbol string, status risk.Status) error
	SendDailySummary(ctx context.Context, summary *DailySummary) error
	SendError(ctx context.Context, err error, context string) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade   NotificationType = "trade"
	NotificationHalt    NotificationType = "halt"
	NotificationError   NotificationType = "error"
	NotificationSummary NotificationType = "summary"
	NotificationInfo    NotificationType = "info"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// DailySummary represents one strategy's realized activity over a UTC day.
type DailySummary struct {
	Date          string
	Strategy      string
	Symbol        string
	Entries       int
	Exits         int
	WinningExits  int
	LosingExits   int
	Cancels       int
	TotalPnL      float64
	WinRate       float64
	BestExitPnL   float64
	WorstExitPnL  float64
	ClosingQuote  float64
	ClosingBase   float64
	HaltTriggered bool
}

// Summarize builds the summary of one day's ledger rows.
func Summarize(date time.Time, strategy, symbol string, entries []models.LedgerEntry, limit float64) *DailySummary {
	s := &DailySummary{
		Date:     date.UTC().Format("2006-01-02"),
		Strategy: strategy,
		Symbol:   symbol,
	}
	first := true
	for _, e := range entries {
		s.TotalPnL += e.RealizedPnL
		s.ClosingQuote = e.QuoteBalance
		s.ClosingBase = e.BaseBalance
		switch e.Action {
		case models.ActionBuy:
			s.Entries++
		case models.ActionCancel:
			s.Cancels++
		case models.ActionExit, models.ActionPartialExit, models.ActionSell:
			s.Exits++
			if e.RealizedPnL > 0 {
				s.WinningExits++
			} else if e.RealizedPnL < 0 {
				s.LosingExits++
			}
			if first || e.RealizedPnL > s.BestExitPnL {
				s.BestExitPnL = e.RealizedPnL
			}
			if first || e.RealizedPnL < s.WorstExitPnL {
				s.WorstExitPnL = e.RealizedPnL
			}
			first = false
		}
	}
	if s.Exits > 0 {
		s.WinRate = float64(s.WinningExits) / float64(s.Exits) * 100
	}
	s.HaltTriggered = limit > 0 && s.TotalPnL <= -limit
	return s
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
// A disabled configuration yields a notifier without channels.
func NewMultiNotifier(cfg *config.NotificationConfig) *MultiNotifier {
	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(cfg.Level),
		now:      time.Now,
	}

	if mn.level == "" {
		mn.level = LevelAll
	}
	if !cfg.Enabled {
		return mn
	}

	// Add enabled channels
	if cfg.Console {
		mn.channels = append(mn.channels, NewConsoleNotifier(nil, true))
	}
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}

	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Channels returns the names of the configured channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		names = append(names, ch.Name())
	}
	return names
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade || notifType == NotificationHalt
	case LevelErrorsOnly:
		return notifType == NotificationError || notifType == NotificationHalt
	default:
		return true
	}
}

// Send sends a notification to all enabled channels.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = mn.now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if ch.IsEnabled() {
			if err := ch.Send(ctx, n); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendLedger sends a notification for a realized ledger transition.
func (mn *MultiNotifier) SendLedger(ctx context.Context, e models.LedgerEntry) error {
	title := fmt.Sprintf("%s %s %s", e.Strategy, e.Action, e.Symbol)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Action: %s\n", e.Action))
	sb.WriteString(fmt.Sprintf("Price: %s\n", utils.FormatAmount(e.Price)))
	sb.WriteString(fmt.Sprintf("Quantity: %s\n", utils.FormatQuantity(e.Quantity)))
	if e.Action == models.ActionExit || e.Action == models.ActionPartialExit || e.Action == models.ActionSell {
		sb.WriteString(fmt.Sprintf("P&L: %s\n", utils.FormatPnL(e.RealizedPnL)))
	}
	sb.WriteString(fmt.Sprintf("Balances: %s quote, %s base", utils.FormatAmount(e.QuoteBalance), utils.FormatQuantity(e.BaseBalance)))
	if e.Reason != "" {
		sb.WriteString(fmt.Sprintf("\nReason: %s", e.Reason))
	}

	return mn.Send(ctx, Notification{
		Type:      NotificationTrade,
		Title:     title,
		Message:   sb.String(),
		Timestamp: e.Timestamp,
		Data: map[string]interface{}{
			"strategy":        e.Strategy,
			"symbol":          e.Symbol,
			"action":          string(e.Action),
			"price":           e.Price,
			"quantity":        e.Quantity,
			"pnl":             e.RealizedPnL,
			"quote_balance":   e.QuoteBalance,
			"base_balance":    e.BaseBalance,
			"client_order_id": e.ClientOrderID,
			"reason":          e.Reason,
		},
	})
}

// SendHalt sends a notification when the daily drawdown limit blocks entries.
func (mn *MultiNotifier) SendHalt(ctx context.Context, strategy, symbol string, status risk.Status) error {
	title := fmt.Sprintf("%s %s halted for %s", strategy, symbol, status.Day.Format("2006-01-02"))
	message := fmt.Sprintf("Realized today: %s\nLimit: -%s\nNew entries are blocked until the next UTC day.",
		utils.FormatPnL(status.RealizedPnL), utils.FormatAmount(status.Limit))

	return mn.Send(ctx, Notification{
		Type:    NotificationHalt,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"strategy": strategy,
			"symbol":   symbol,
			"day":      status.Day.Format("2006-01-02"),
			"realized": status.RealizedPnL,
			"limit":    status.Limit,
		},
	})
}

// SendDailySummary sends a daily summary notification.
func (mn *MultiNotifier) SendDailySummary(ctx context.Context, summary *DailySummary) error {
	title := fmt.Sprintf("Daily Summary %s %s - %s", summary.Strategy, summary.Symbol, summary.Date)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Entries: %d | Exits: %d | Cancels: %d\n", summary.Entries, summary.Exits, summary.Cancels))
	sb.WriteString(fmt.Sprintf("Winning: %d | Losing: %d\n", summary.WinningExits, summary.LosingExits))
	sb.WriteString(fmt.Sprintf("Win Rate: %.1f%%\n", summary.WinRate))
	sb.WriteString(fmt.Sprintf("Total P&L: %s", utils.FormatPnL(summary.TotalPnL)))

	if summary.Exits > 0 {
		sb.WriteString(fmt.Sprintf("\nBest Exit: %s\nWorst Exit: %s",
			utils.FormatPnL(summary.BestExitPnL), utils.FormatPnL(summary.WorstExitPnL)))
	}
	if summary.HaltTriggered {
		sb.WriteString("\nDaily drawdown limit reached")
	}

	return mn.Send(ctx, Notification{
		Type:    NotificationSummary,
		Title:   title,
		Message: sb.String(),
		Data: map[string]interface{}{
			"date":      summary.Date,
			"strategy":  summary.Strategy,
			"symbol":    summary.Symbol,
			"entries":   summary.Entries,
			"exits":     summary.Exits,
			"total_pnl": summary.TotalPnL,
			"win_rate":  summary.WinRate,
		},
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	title := "Error Occurred"
	message := fmt.Sprintf("Context: %s\nError: %v\nTime: %s",
		errContext, err, mn.now().UTC().Format("15:04:05"))

	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   title,
		Message: message,
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SpotTrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", security.RedactError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	apiURL   string
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		apiURL:   apiURL,
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	// Format message for Telegram (using HTML parse mode)
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of the error.
		return fmt.Errorf("sending telegram message: %w", security.RedactError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// NoOpNotifier discards every notification.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a notifier that does nothing.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

func (n *NoOpNotifier) Send(ctx context.Context, notification Notification) error {
	return nil
}

func (n *NoOpNotifier) SendLedger(ctx context.Context, entry models.LedgerEntry) error {
	return nil
}

func (n *NoOpNotifier) SendHalt(ctx context.Context, strategy, symbol string, status risk.Status) error {
	return nil
}

func (n *NoOpNotifier) SendDailySummary(ctx context.Context, summary *DailySummary) error {
	return nil
}

func (n *NoOpNotifier) SendError(ctx context.Context, err error, context string) error {
	return nil
}

var (
	_ Notifier = (*MultiNotifier)(nil)
	_ Notifier = (*NoOpNotifier)(nil)
)
