// Package voice delivers the voice channel by posting call requests to a
// text-to-speech call provider webhook.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"herald/internal/delivery"
)

type Config struct {
	URL     string
	Token   string
	Voice   string
	Timeout time.Duration
}

type Gateway struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("voice webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{cfg: cfg, http: &http.Client{Timeout: timeout}}, nil
}

func (g *Gateway) Name() string { return "voice" }

type callRequest struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

func (g *Gateway) Send(ctx context.Context, recipient string, msg delivery.Message) error {
	if strings.TrimSpace(recipient) == "" {
		return delivery.Permanent(errors.New("empty voice recipient"))
	}
	b, err := sonic.Marshal(callRequest{To: recipient, Text: msg.Text, Voice: g.cfg.Voice, TaskID: msg.TaskID})
	if err != nil {
		return delivery.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return delivery.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return delivery.Transient(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 == 2 {
		return nil
	}
	err = fmt.Errorf("voice webhook http=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return delivery.RetryAfter(err, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout:
		return delivery.Permanent(err)
	}
	return delivery.Transient(err)
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
