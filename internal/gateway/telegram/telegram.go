// Package telegram delivers the chat channel through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/delivery"
	"herald/pkg/logx"
)

type Config struct {
	Token          string
	APIURL         string // self-hosted Bot API server; empty uses api.telegram.org
	RequestTimeout time.Duration
	DisablePreview bool
	Offline        bool // skip the getMe handshake at startup
}

type Gateway struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Gateway{cfg: cfg, bot: b, log: log.With(logx.String("gateway", "telegram"))}, nil
}

func (g *Gateway) Name() string { return "telegram" }

// Send posts msg to recipient, a chat id optionally suffixed with ":<thread id>".
func (g *Gateway) Send(ctx context.Context, recipient string, msg delivery.Message) error {
	chat, thread, err := parseRecipient(recipient)
	if err != nil {
		return delivery.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return delivery.Transient(err)
	}

	type result struct {
		m   *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := g.bot.Send(chat, msg.Text, &tele.SendOptions{
			ThreadID:              thread,
			DisableWebPagePreview: g.cfg.DisablePreview,
		})
		done <- result{m: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return delivery.Transient(fmt.Errorf("telegram send: %w", ctx.Err()))
	case r := <-done:
		if r.err != nil {
			return classify(r.err)
		}
		if r.m != nil {
			g.log.Debug("telegram.sent", logx.Int64("chat", chat.ID), logx.Int("message_id", r.m.ID))
		}
		return nil
	}
}

func parseRecipient(s string) (*tele.Chat, int, error) {
	idPart, threadPart, hasThread := strings.Cut(strings.TrimSpace(s), ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid telegram chat id %q", s)
	}
	thread := 0
	if hasThread {
		thread, err = strconv.Atoi(threadPart)
		if err != nil || thread < 0 {
			return nil, 0, fmt.Errorf("invalid telegram thread id %q", s)
		}
	}
	return &tele.Chat{ID: id}, thread, nil
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)$`)

// classify maps Bot API failures onto delivery classes. Client errors mean the
// chat or payload is unusable and are permanent.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return delivery.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return delivery.Permanent(err)
	case http.StatusTooManyRequests:
		return delivery.RetryAfter(err, time.Minute)
	}
	return delivery.Transient(err)
}
