// Package telegram implements the chat-transport collaborator. This file is
// the Bot API client for the handful of methods the bot uses: sendMessage
// (with optional inline keyboard), answerCallbackQuery, getFile, and file
// download. No logging here; callers decide how to report failures.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIBase is the public Bot API root; the token is appended per
// request ("{base}/bot{token}/method").
const DefaultAPIBase = "https://api.telegram.org"

// Client talks to the Telegram Bot API. Construct with New.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// New constructs a Client. baseURL may be empty for the public API; tests
// point it at an httptest server.
func New(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &Client{
		token:   token,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiResponse is the generic Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// SendMessage posts a plain text message, optionally as a reply.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error {
	payload := map[string]any{"chat_id": chatID, "text": text}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// SendKeyboard posts a message with an inline keyboard attached.
func (c *Client) SendKeyboard(ctx context.Context, chatID int64, text string, kb InlineKeyboard, replyTo int64) error {
	payload := map[string]any{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": map[string]any{"inline_keyboard": kb},
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
		payload["allow_sending_without_reply"] = true
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// AnswerCallback acknowledges a button press, with optional toast text.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// GetFilePath resolves a file_id to a Bot API file path for download.
func (c *Client) GetFilePath(ctx context.Context, fileID string) (string, error) {
	var out struct {
		FilePath string `json:"file_path"`
	}
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &out); err != nil {
		return "", err
	}
	if out.FilePath == "" {
		return "", fmt.Errorf("telegram: getFile returned no path for %q", fileID)
	}
	return out.FilePath, nil
}

// DownloadFile streams the file at a Bot API file path.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: file download failed with %d", resp.StatusCode)
	}
	// Voice notes are small; bound the read anyway.
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// call posts one Bot API method and decodes the result envelope.
func (c *Client) call(ctx context.Context, method string, payload map[string]any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram: %s failed: %s", method, env.Description)
	}
	if result != nil && len(env.Result) > 0 {
		return json.Unmarshal(env.Result, result)
	}
	return nil
}
