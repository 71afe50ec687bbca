// Package slack handles the Slack collaborator boundary: inbound
// slash-command and interaction payloads, request signature verification,
// and outbound message posting.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnavailable wraps outbound delivery failures after retries.
var ErrUnavailable = errors.New("slack collaborator unavailable")

// ErrBadSignature rejects requests that fail signature verification.
var ErrBadSignature = errors.New("slack signature verification failed")

// SlashCommand is the decoded form body of a slash-command request.
type SlashCommand struct {
	Command     string
	Text        string
	ChannelID   string
	UserID      string
	ResponseURL string
}

// BlockAction is one button interaction from a posted message.
type BlockAction struct {
	ActionID    string
	Value       string
	ChannelID   string
	UserID      string
	ResponseURL string
}

// ParseSlashCommand decodes an application/x-www-form-urlencoded
// slash-command body.
func ParseSlashCommand(body []byte) (SlashCommand, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return SlashCommand{}, fmt.Errorf("decode slash command body: %w", err)
	}
	cmd := SlashCommand{
		Command:     values.Get("command"),
		Text:        values.Get("text"),
		ChannelID:   values.Get("channel_id"),
		UserID:      values.Get("user_id"),
		ResponseURL: values.Get("response_url"),
	}
	if cmd.Command == "" {
		return SlashCommand{}, errors.New("slash command body missing command")
	}
	return cmd, nil
}

// ParseBlockAction decodes an interaction payload (urlencoded form with a
// JSON "payload" field) and returns its first action.
func ParseBlockAction(body []byte) (BlockAction, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return BlockAction{}, fmt.Errorf("decode interaction body: %w", err)
	}
	raw := values.Get("payload")
	if raw == "" {
		return BlockAction{}, errors.New("interaction body missing payload")
	}
	var payload struct {
		Actions []struct {
			ActionID string `json:"action_id"`
			Value    string `json:"value"`
		} `json:"actions"`
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		ResponseURL string `json:"response_url"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return BlockAction{}, fmt.Errorf("parse interaction payload: %w", err)
	}
	if len(payload.Actions) == 0 {
		return BlockAction{}, errors.New("interaction payload has no actions")
	}
	return BlockAction{
		ActionID:    payload.Actions[0].ActionID,
		Value:       payload.Actions[0].Value,
		ChannelID:   payload.Channel.ID,
		UserID:      payload.User.ID,
		ResponseURL: payload.ResponseURL,
	}, nil
}

// VerifySignature checks the v0 HMAC-SHA256 request signature. Requests with
// timestamps older than five minutes are rejected to stop replays.
func VerifySignature(signingSecret, timestamp, signature string, body []byte, now time.Time) error {
	if signingSecret == "" {
		return errors.New("slack signing secret not configured")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	if d := now.Unix() - ts; d > 300 || d < -300 {
		return fmt.Errorf("%w: stale timestamp", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Message is an outbound Slack message.
type Message struct {
	Text         string `json:"text"`
	ResponseType string `json:"response_type,omitempty"`
}

// Client posts messages to webhook or response URLs.
type Client struct {
	HTTP *http.Client
}

func (c Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Post delivers a message to the given URL, retrying transient failures
// with exponential backoff.
func (c Client) Post(ctx context.Context, postURL string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("slack post: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("slack post: status %d", resp.StatusCode))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
