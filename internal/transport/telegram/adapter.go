package telegram

import (
	"context"
	"errors"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "rallybot/internal/transport"
	logx "rallybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges the platform-neutral transport API onto telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool
	done    chan struct{}

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged once on Stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		up := kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
			},
		}
		a.sendUpdate(up)
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	done := make(chan struct{})
	a.done = done
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		defer close(done)
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	done := a.done
	a.done = nil
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
	}

	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out", logx.Err(ctx.Err()))
		return nil
	}
}

const textLimit = 4000

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		default:
		}
	}

	chat := &tele.Chat{ID: to.ChatID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	msg, err := a.bot.Send(chat, clampText(text), sendOpt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// SendPayload flattens a structured payload into a single HTML message.
// The image is attached as a trailing link so Telegram renders its preview.
func (a *Adapter) SendPayload(ctx context.Context, to kit.ChatTarget, p *kit.Payload) (kit.MessageRef, error) {
	if p == nil {
		return kit.MessageRef{}, errors.New("nil payload")
	}
	text := renderPayloadHTML(p)
	opt := &kit.SendOptions{ParseMode: tele.ModeHTML, DisablePreview: p.ImageURL == ""}
	return a.SendText(ctx, to, text, opt)
}

func renderPayloadHTML(p *kit.Payload) string {
	var b strings.Builder
	if p.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(p.Title))
		b.WriteString("</b>\n")
	}
	if p.Description != "" {
		b.WriteString(html.EscapeString(p.Description))
		b.WriteString("\n")
	}
	for _, f := range p.Fields {
		b.WriteString("\n<b>")
		b.WriteString(html.EscapeString(f.Name))
		b.WriteString("</b>: ")
		b.WriteString(html.EscapeString(f.Value))
	}
	if len(p.Fields) > 0 {
		b.WriteString("\n")
	}
	if p.ImageURL != "" {
		b.WriteString("\n<a href=\"")
		b.WriteString(html.EscapeString(p.ImageURL))
		b.WriteString("\">​</a>")
	}
	if p.Footer != "" {
		b.WriteString("\n<i>")
		b.WriteString(html.EscapeString(p.Footer))
		b.WriteString("</i>")
	}
	if !p.Timestamp.IsZero() {
		b.WriteString("\n<i>")
		b.WriteString(p.Timestamp.Format("2006-01-02 15:04 MST"))
		b.WriteString("</i>")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clampText(s string) string {
	rs := []rune(s)
	if len(rs) <= textLimit {
		return s
	}
	return string(rs[:textLimit-3]) + "..."
}
