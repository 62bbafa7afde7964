package alert

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "scriptsched/internal/runtime/supervisor"
	"scriptsched/internal/storage"
	"scriptsched/pkg/logx"
)

var ErrTelegramConfig = errors.New("telegram notifier: token and chat ids are required")

type TelegramConfig struct {
	Token   string
	ChatIDs []int64
	// MinSeverity filters alerts below it. Empty means error.
	MinSeverity   storage.Severity
	RatePerMinute int
	QueueSize     int
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers alerts to chats through a bounded queue drained by one
// rate-limited worker.
type Telegram struct {
	cfg     TelegramConfig
	log     logx.Logger
	send    sender
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   chan storage.Alert
	sup     *rtsup.Supervisor
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" || len(cfg.ChatIDs) == 0 {
		return nil, ErrTelegramConfig
	}
	// Offline skips the getMe round trip; the bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	return newTelegram(cfg, b, log), nil
}

func newTelegram(cfg TelegramConfig, s sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = storage.SeverityError
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	perSec := rate.Limit(float64(cfg.RatePerMinute) / 60)
	return &Telegram{cfg: cfg, log: log, send: s, limiter: rate.NewLimiter(perSec, 1)}
}

// Start launches the delivery worker. It is idempotent.
func (t *Telegram) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue != nil {
		return
	}
	q := make(chan storage.Alert, t.cfg.QueueSize)
	t.queue = q
	t.sup = rtsup.New(ctx,
		rtsup.WithLogger(t.log.With(logx.String("comp", "alert.telegram"))),
		rtsup.WithCancelOnError(false),
	)
	t.sup.GoRestart("sender", func(c context.Context) error {
		t.loop(c, q)
		if c.Err() != nil {
			return c.Err()
		}
		return nil
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

// Stop drains what is queued until ctx expires, then cancels delivery.
func (t *Telegram) Stop(ctx context.Context) {
	t.mu.Lock()
	q, sup := t.queue, t.sup
	t.queue, t.sup = nil, nil
	t.mu.Unlock()
	if q == nil {
		return
	}
	close(q)
	_ = sup.Wait(ctx)
	sup.Cancel()
	if n := t.dropped.Load(); n > 0 {
		t.log.Warn("telegram alerts dropped", logx.Int64("count", int64(n)))
	}
}

func (t *Telegram) Notify(a storage.Alert) {
	if Rank(a.Severity) < Rank(t.cfg.MinSeverity) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue == nil {
		return
	}
	select {
	case t.queue <- a:
	default:
		t.dropped.Add(1)
	}
}

func (t *Telegram) loop(ctx context.Context, q <-chan storage.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			t.deliver(ctx, a)
		}
	}
}

func (t *Telegram) deliver(ctx context.Context, a storage.Alert) {
	text := FormatHTML(a)
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for _, id := range t.cfg.ChatIDs {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := t.send.Send(tele.ChatID(id), text, opts); err != nil {
			t.log.Warn("telegram alert send failed", logx.Int64("chat_id", id), logx.String("type", a.Type), logx.Err(err))
			continue
		}
		t.sent.Add(1)
	}
}

// FormatHTML renders a as a Telegram HTML message.
func FormatHTML(a storage.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s] %s</b>\n", strings.ToUpper(string(a.Severity)), html.EscapeString(a.Type))
	b.WriteString(html.EscapeString(a.Message))
	if a.RunID != "" {
		fmt.Fprintf(&b, "\nrun: <code>%s</code>", html.EscapeString(a.RunID))
	}
	if !a.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", a.CreatedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
