package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
)

// GenerationConfig configures the language-generation adapter.
type GenerationConfig struct {
	BaseURL       string // e.g. "http://localhost:11434"
	Model         string // e.g. "llama3.2:3b"
	SystemPrompt  string // persona prompt prepended to every request
	MaxTokens     int    // generation cap
	Temperature   float64
	ContextWindow int           // exchanges included from history
	Timeout       time.Duration // HTTP client timeout
}

const defaultSystemPrompt = "Ты - дружелюбный и полезный ассистент. Отвечай на русском языке.\n" +
	"Будь вежливым, понимающим и старайся давать полезные ответы.\n" +
	"Если не знаешь ответа, честно скажи об этом."

// GenerationAdapter produces the avatar's reply text via an Ollama
// server, carrying per-session conversation context.
type GenerationAdapter struct {
	config    *GenerationConfig
	client    *http.Client
	artifacts artifact.Store
	sessions  *Sessions
	logger    zerolog.Logger
}

// NewGenerationAdapter creates a generation adapter. sessions scopes
// conversation history per client; it must not be shared across
// adapters with different personas.
func NewGenerationAdapter(cfg *GenerationConfig, artifacts artifact.Store, sessions *Sessions, logger zerolog.Logger) *GenerationAdapter {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 5
	}
	return &GenerationAdapter{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		artifacts: artifacts,
		sessions:  sessions,
		logger:    logger.With().Str("component", "generation").Logger(),
	}
}

// Name returns the stage identifier.
func (a *GenerationAdapter) Name() string { return Generation }

// generateRequest is the Ollama /api/generate request format.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is the Ollama /api/generate response format.
type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalDuration   int64  `json:"total_duration"`
}

// Invoke generates a reply for the payload transcript. The reply text
// is persisted as the stage artifact and recorded in the session's
// conversation history.
func (a *GenerationAdapter) Invoke(ctx context.Context, in Payload) (Output, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		return Output{}, Fail(Generation, fmt.Errorf("no transcript to reply to"))
	}

	history := a.sessions.Session(in.SessionID)
	prompt := a.buildPrompt(in.Transcript, history)

	payload := generateRequest{
		Model:  a.config.Model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"num_predict":    a.config.MaxTokens,
			"temperature":    a.config.Temperature,
			"top_p":          0.9,
			"repeat_penalty": 1.1,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Output{}, Fail(Generation, err)
	}

	url := strings.TrimRight(a.config.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Output{}, Fail(Generation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	a.logger.Debug().Str("model", a.config.Model).Int("promptLen", len(prompt)).Msg("Sending generation request")

	resp, err := a.client.Do(req)
	if err != nil {
		return Output{}, Fail(Generation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, Fail(Generation, fmt.Errorf("generation service: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return Output{}, Fail(Generation, fmt.Errorf("decode response: %w", err))
	}

	reply := strings.TrimSpace(gr.Response)
	if reply == "" {
		return Output{}, Fail(Generation, fmt.Errorf("empty reply"))
	}

	history.Append(in.Transcript, reply)

	loc, err := a.artifacts.Put(ctx, strings.NewReader(reply))
	if err != nil {
		return Output{}, Fail(Generation, fmt.Errorf("store reply: %w", err))
	}

	a.logger.Info().
		Int("promptTokens", gr.PromptEvalCount).
		Int("replyTokens", gr.EvalCount).
		Dur("duration", time.Duration(gr.TotalDuration)).
		Msg("Generation complete")

	out := in
	out.Reply = reply

	return Output{
		Payload: out,
		Result:  loc,
		Meta: map[string]string{
			"model":         a.config.Model,
			"prompt_tokens": fmt.Sprintf("%d", gr.PromptEvalCount),
			"reply_tokens":  fmt.Sprintf("%d", gr.EvalCount),
		},
	}, nil
}

// Chat runs a one-shot conversational round trip outside the pipeline,
// used by the realtime channel.
func (a *GenerationAdapter) Chat(ctx context.Context, sessionID, message string) (string, error) {
	in := Payload{SessionID: sessionID, Transcript: message}
	out, err := a.Invoke(ctx, in)
	if err != nil {
		return "", err
	}
	return out.Payload.Reply, nil
}

// ResetSession clears the conversation history for a session.
func (a *GenerationAdapter) ResetSession(sessionID string) {
	a.sessions.Reset(sessionID)
}

func (a *GenerationAdapter) buildPrompt(userText string, history *History) string {
	var sb strings.Builder
	sb.WriteString(a.config.SystemPrompt)
	sb.WriteString("\n\n")

	if ctx := history.Context(a.config.ContextWindow); ctx != "" {
		sb.WriteString("История разговора:\n")
		sb.WriteString(ctx)
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "User: %s\nAssistant:", userText)
	return sb.String()
}
