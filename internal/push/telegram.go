// Package push delivers rendered session outputs to the user's Telegram
// chat. It implements notify.Sender.
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "reverie/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log}, nil
}

// Send posts one message. Titles become a bold first line; Telegram caps
// messages at 4096 characters, so long bodies are truncated rather than
// rejected.
func (t *Telegram) Send(ctx context.Context, chatID int64, title, body string) error {
	const maxLen = 4096

	text := body
	if title != "" {
		text = "*" + escapeMD(title) + "*\n\n" + body
	}
	text = truncate(text, maxLen)

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), text, tele.ModeMarkdown)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func escapeMD(s string) string {
	r := strings.NewReplacer("*", `\*`, "_", `\_`, "`", "\\`", "[", `\[`)
	return r.Replace(s)
}

// truncate caps s at max characters, cutting on a rune boundary so a
// multi-byte sequence is never split.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
