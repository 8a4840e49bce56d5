// Package transcribe defines the voice-transcription collaborator and an
// implementation backed by an OpenAI-compatible audio transcription
// endpoint. The core only depends on the Transcriber interface; the HTTP
// client lives behind it.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber converts an audio payload into text.
type Transcriber interface {
	// Transcribe returns the recognized text, trimmed. An empty result with
	// a nil error means nothing was recognized.
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com"

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "gpt-4o-transcribe"

// OpenAIClient implements Transcriber against /v1/audio/transcriptions.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewOpenAI constructs an OpenAIClient. baseURL and model may be empty for
// the defaults; tests point baseURL at an httptest server.
func NewOpenAI(apiKey, baseURL, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Transcribe uploads the audio as multipart form data and returns the text.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("transcribe: api key not configured")
	}
	if filename == "" {
		filename = "audio.ogg"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.model); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := c.baseURL + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transcribe: request failed with %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transcribe: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
