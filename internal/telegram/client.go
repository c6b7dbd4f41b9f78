// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/models"
)

const marketURL = "https://polymarket.com/market/"

// MarketLookup resolves market metadata for message formatting. storage.Storage
// implements it.
type MarketLookup interface {
	GetMarket(ctx context.Context, id string) (models.Market, error)
}

// Config holds the alert sink settings.
type Config struct {
	BotToken       string
	ChatID         string
	MaxRetries     int
	RetryDelayBase time.Duration
	MinScore       float64
	TopK           int
	// Cooldown suppresses repeat alerts of the same type on the same market.
	Cooldown time.Duration
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	minScore       float64
	topK           int
	cooldown       time.Duration
	markets        MarketLookup

	mu       sync.Mutex
	notified map[notifyKey]time.Time
}

type notifyKey struct {
	marketID string
	typ      models.SignalType
}

// NewClient creates a new Telegram client. markets may be nil.
func NewClient(cfg Config, markets MarketLookup) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(cfg, markets)
	c.bot = bot
	c.chatID = chatIDInt
	return c, nil
}

func newClient(cfg Config, markets MarketLookup) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	return &Client{
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		minScore:       cfg.MinScore,
		topK:           cfg.TopK,
		cooldown:       cfg.Cooldown,
		markets:        markets,
		notified:       make(map[notifyKey]time.Time),
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// WriteSignals sends one message with the cycle's strongest signals. Signals below the
// alert floor or inside their cooldown are left out.
func (c *Client) WriteSignals(ctx context.Context, signals []models.Signal) error {
	picked := c.pick(signals)
	if len(picked) == 0 {
		return nil
	}

	questions := make(map[string]models.Market, len(picked))
	if c.markets != nil {
		for _, s := range picked {
			if _, ok := questions[s.MarketID]; ok {
				continue
			}
			m, err := c.markets.GetMarket(ctx, s.MarketID)
			if err != nil {
				logger.Debug("No market metadata for %s: %v", s.MarketID, err)
				continue
			}
			questions[s.MarketID] = m
		}
	}

	if err := c.sendMarkdownV2(ctx, formatMessage(picked, questions)); err != nil {
		return err
	}
	c.markSent(picked)
	return nil
}

// pick keeps signals at or above the alert floor and outside their cooldown, highest
// score first, at most topK.
func (c *Client) pick(signals []models.Signal) []models.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Signal
	for _, s := range signals {
		if s.Score < c.minScore {
			continue
		}
		if last, ok := c.notified[notifyKey{s.MarketID, s.Type}]; ok && s.Timestamp.Sub(last) < c.cooldown {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > c.topK {
		out = out[:c.topK]
	}
	return out
}

func (c *Client) markSent(signals []models.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range signals {
		c.notified[notifyKey{s.MarketID, s.Type}] = s.Timestamp
	}
}

// formatMessage formats signals into a Telegram MarkdownV2 message.
func formatMessage(signals []models.Signal, markets map[string]models.Market) string {
	var b strings.Builder
	b.WriteString("🚨 *Market Anomalies*\n\n")

	if len(signals) > 0 {
		dateStr := escapeMarkdownV2(signals[0].Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
		fmt.Fprintf(&b, "📅 Detected: %s\n\n", dateStr)
	}

	for i, s := range signals {
		title := escapeMarkdownV2(s.MarketID)
		if m, ok := markets[s.MarketID]; ok {
			title = escapeMarkdownV2(m.Question)
			if m.Slug != "" {
				title = fmt.Sprintf("[%s](%s%s)", title, marketURL, m.Slug)
			}
		}
		fmt.Fprintf(&b, "%d\\. %s\n", i+1, title)
		fmt.Fprintf(&b, "   %s *%s* score %s\n", emoji(s), escapeMarkdownV2(label(s)),
			escapeMarkdownV2(fmt.Sprintf("%.0f", s.Score)))
		fmt.Fprintf(&b, "   %s\n\n", escapeMarkdownV2(describe(s)))
	}

	return b.String()
}

func emoji(s models.Signal) string {
	switch d := s.Details.(type) {
	case models.VolumeSpikeDetails:
		return "📊"
	case models.OrderbookImbalanceDetails:
		if d.Direction == models.DirectionBid {
			return "📈"
		}
		return "📉"
	case models.PriceDivergenceDetails:
		return "🔀"
	}
	return "•"
}

func label(s models.Signal) string {
	switch d := s.Details.(type) {
	case models.VolumeSpikeDetails:
		return "Volume spike"
	case models.OrderbookImbalanceDetails:
		return "Orderbook imbalance"
	case models.PriceDivergenceDetails:
		if d.DivergenceType == models.DivergenceAccumulation {
			return "Quiet accumulation"
		}
		return "Weak conviction move"
	}
	return string(s.Type)
}

func describe(s models.Signal) string {
	switch d := s.Details.(type) {
	case models.VolumeSpikeDetails:
		return fmt.Sprintf("volume %.0f vs mean %.0f (z %.1f)", d.CurrentVolume, d.MeanVolume, d.ZScore)
	case models.OrderbookImbalanceDetails:
		return fmt.Sprintf("%s-heavy book %.1fx (bid %.0f / ask %.0f)", d.Direction, d.Ratio, d.BidDepth, d.AskDepth)
	case models.PriceDivergenceDetails:
		return fmt.Sprintf("price %+.1f%%, volume %+.0f%% over %s (%.3f → %.3f)",
			d.PriceChangePct*100, d.VolumeChangePct*100, d.Interval.Round(time.Minute),
			d.ReferencePrice, d.CurrentPrice)
	}
	return fmt.Sprintf("price %.3f", s.PriceAtSignal)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
