// Package telegram adapts Telegram long polling to the host's tick-driven
// transport contract. Inbound messages are buffered by the telebot handler
// goroutine and drained on each fine tick; outbound sends are rate limited
// and split to the platform's message size cap.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"attache/internal/config"
	"attache/internal/transport"
	"attache/pkg/logx"
)

const (
	// textLimit stays under Telegram's 4096-char cap with headroom for
	// entity expansion.
	textLimit = 4000

	inboxSize = 64
)

type inbound struct {
	chatID      int64
	text        string
	attachments []string
}

type Adapter struct {
	cfg     config.TelegramConfig
	disp    transport.Dispatcher
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	allowed map[int64]bool

	// inbox decouples telebot's handler goroutine from the tick loop.
	// Overflow drops the update and bumps the counter; Poll reports drops
	// in aggregate to avoid per-update log spam.
	inbox   chan inbound
	dropped uint64

	downloadDir string

	runMu   sync.Mutex
	running bool

	chatMu sync.Mutex
	chats  map[int64]struct{} // chats seen this process, for typing refresh
}

func New(cfg config.TelegramConfig, disp transport.Dispatcher, stateDir string, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.SendPerSec
	if perSec <= 0 {
		perSec = 1
	}
	allowed := make(map[int64]bool, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = true
	}
	a := &Adapter{
		cfg:         cfg,
		disp:        disp,
		log:         log,
		bot:         bot,
		limiter:     rate.NewLimiter(rate.Limit(perSec), perSec),
		allowed:     allowed,
		inbox:       make(chan inbound, inboxSize),
		downloadDir: filepath.Join(stateDir, "downloads"),
		chats:       map[int64]struct{}{},
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string  { return "telegram" }
func (a *Adapter) Enabled() bool { return a.cfg.Enabled }

func keyFor(chatID int64) string { return "telegram:" + strconv.FormatInt(chatID, 10) }

func chatFromKey(key string) (int64, error) {
	_, raw, found := strings.Cut(key, ":")
	if !found {
		return 0, fmt.Errorf("telegram: malformed key %q", key)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		if !a.allowed[m.Sender.ID] {
			a.log.Warn("message from unlisted user ignored", logx.Int64("user", m.Sender.ID))
			return nil
		}
		a.enqueue(inbound{chatID: m.Chat.ID, text: m.Text})
		return nil
	})

	a.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Document == nil {
			return nil
		}
		if !a.allowed[m.Sender.ID] {
			return nil
		}
		path, err := a.download(m.Document.MediaFile(), m.Document.FileName)
		if err != nil {
			a.log.Warn("document download failed", logx.Err(err))
			return nil
		}
		a.enqueue(inbound{chatID: m.Chat.ID, text: m.Caption, attachments: []string{path}})
		return nil
	})
}

func (a *Adapter) enqueue(in inbound) {
	select {
	case a.inbox <- in:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) download(file *tele.File, name string) (string, error) {
	if err := os.MkdirAll(a.downloadDir, 0o755); err != nil {
		return "", err
	}
	if name == "" {
		name = file.UniqueID
	}
	dst := filepath.Join(a.downloadDir, file.UniqueID+"-"+filepath.Base(name))
	if err := a.bot.Download(file, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Start launches telebot's long-poll loop and a watcher that stops it when
// ctx is cancelled. Safe to call once.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
}

func (a *Adapter) Stop() {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if wasRunning {
		a.bot.Stop()
	}
}

// Poll drains buffered inbound events and routes each to the dispatcher,
// then refreshes the typing indicator for chats that still have an active
// session. Invoked once per fine tick.
func (a *Adapter) Poll(ctx context.Context) error {
	if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
		a.log.Warn("inbound updates dropped (inbox full)", logx.Any("count", n))
	}

	for {
		select {
		case in := <-a.inbox:
			a.handle(ctx, in)
		default:
			a.refreshTyping(ctx)
			return nil
		}
	}
}

func (a *Adapter) handle(ctx context.Context, in inbound) {
	key := keyFor(in.chatID)
	a.chatMu.Lock()
	a.chats[in.chatID] = struct{}{}
	a.chatMu.Unlock()

	text := strings.TrimSpace(in.text)
	fields := strings.Fields(text)
	cmd := ""
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		cmd = fields[0]
	}

	switch cmd {
	case "/approve", "/deny":
		if len(fields) < 2 {
			a.reply(ctx, in.chatID, "Usage: "+cmd+" <request-id> [feedback]")
			return
		}
		feedback := strings.Join(fields[2:], " ")
		err := a.disp.ResolveApproval(ctx, key, fields[1], cmd == "/approve", feedback)
		if err != nil {
			a.reply(ctx, in.chatID, "Nothing is waiting for approval right now.")
			a.log.Debug("approval resolution failed", logx.String("key", key), logx.Err(err))
			return
		}
		a.reply(ctx, in.chatID, "Got it.")
	case "/stop":
		if err := a.disp.Abort(ctx, key); err != nil {
			a.reply(ctx, in.chatID, "Nothing is running right now.")
			return
		}
		a.reply(ctx, in.chatID, "Stopped.")
	default:
		if text == "" && len(in.attachments) == 0 {
			return
		}
		if err := a.disp.Dispatch(ctx, key, text, in.attachments); err != nil {
			// The dispatcher already notified the chat on busy/start
			// failure; just trace here.
			a.log.Debug("dispatch returned error", logx.String("key", key), logx.Err(err))
		}
	}
}

func (a *Adapter) refreshTyping(ctx context.Context) {
	a.chatMu.Lock()
	ids := make([]int64, 0, len(a.chats))
	for id := range a.chats {
		ids = append(ids, id)
	}
	a.chatMu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if !a.disp.HasActiveSession(keyFor(id)) {
			continue
		}
		if err := a.bot.Notify(&tele.Chat{ID: id}, tele.Typing); err != nil {
			a.log.Debug("typing refresh failed", logx.Int64("chat", id), logx.Err(err))
		}
	}
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	if err := a.SendReply(ctx, keyFor(chatID), text); err != nil {
		a.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

// SendReply is the transport.SendFunc registered with the orchestrator.
// Long texts split on newline boundaries; every chunk passes the rate
// limiter so bursts never trip Telegram's flood control.
func (a *Adapter) SendReply(ctx context.Context, key, text string) error {
	chatID, err := chatFromKey(key)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitText chunks s to at most limit runes per piece, preferring to break on
// a newline in the final third of the window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, strings.TrimRight(string(rs[start:]), "\n"))
			break
		}
		cut := end
		for i := end - 1; i > start+limit/3*2; i-- {
			if rs[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:cut]), "\n"))
		start = cut
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
