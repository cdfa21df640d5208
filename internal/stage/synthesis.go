package stage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
)

// SynthesisConfig configures the speech-synthesis adapter.
type SynthesisConfig struct {
	BaseURL  string        // e.g. "http://localhost:8001"
	Language string        // default language
	Timeout  time.Duration // HTTP client timeout
}

// SynthesisAdapter voices the reply text via a remote TTS service,
// optionally cloning a reference voice.
type SynthesisAdapter struct {
	config    *SynthesisConfig
	client    *http.Client
	artifacts artifact.Store
	logger    zerolog.Logger
}

// NewSynthesisAdapter creates a synthesis adapter.
func NewSynthesisAdapter(cfg *SynthesisConfig, artifacts artifact.Store, logger zerolog.Logger) *SynthesisAdapter {
	return &SynthesisAdapter{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		artifacts: artifacts,
		logger:    logger.With().Str("component", "synthesis").Logger(),
	}
}

// Name returns the stage identifier.
func (a *SynthesisAdapter) Name() string { return Synthesis }

// synthesizeRequest is the wire format of the synthesis service.
type synthesizeRequest struct {
	Text           string `json:"text"`
	Language       string `json:"language"`
	ReferenceVoice string `json:"reference_voice,omitempty"` // base64 wav
}

// Invoke synthesizes the reply text into audio. The audio bytes become
// the stage artifact and flow to the animation stage.
func (a *SynthesisAdapter) Invoke(ctx context.Context, in Payload) (Output, error) {
	if strings.TrimSpace(in.Reply) == "" {
		return Output{}, Fail(Synthesis, fmt.Errorf("no reply text to synthesize"))
	}

	language := in.Language
	if language == "" {
		language = a.config.Language
	}

	sr := synthesizeRequest{
		Text:     in.Reply,
		Language: language,
	}

	if in.ReferenceVoice != "" {
		ref, err := a.artifacts.Open(ctx, in.ReferenceVoice)
		if err != nil {
			return Output{}, Fail(Synthesis, fmt.Errorf("open reference voice: %w", err))
		}
		raw, err := io.ReadAll(ref)
		ref.Close()
		if err != nil {
			return Output{}, Fail(Synthesis, fmt.Errorf("read reference voice: %w", err))
		}
		sr.ReferenceVoice = base64.StdEncoding.EncodeToString(raw)
	}

	body, err := json.Marshal(sr)
	if err != nil {
		return Output{}, Fail(Synthesis, err)
	}

	url := strings.TrimRight(a.config.BaseURL, "/") + "/synthesize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Output{}, Fail(Synthesis, err)
	}
	req.Header.Set("Content-Type", "application/json")

	a.logger.Debug().
		Str("language", language).
		Int("textLen", len(in.Reply)).
		Bool("cloned", sr.ReferenceVoice != "").
		Msg("Sending synthesis request")

	resp, err := a.client.Do(req)
	if err != nil {
		return Output{}, Fail(Synthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, Fail(Synthesis, fmt.Errorf("synthesis service: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	loc, err := a.artifacts.Put(ctx, resp.Body)
	if err != nil {
		return Output{}, Fail(Synthesis, fmt.Errorf("store audio: %w", err))
	}

	meta := map[string]string{}
	if v := resp.Header.Get("X-Sample-Rate"); v != "" {
		meta["sample_rate"] = v
	}
	if v := resp.Header.Get("X-Duration-Ms"); v != "" {
		meta["duration_ms"] = v
	}

	a.logger.Info().Str("audio", loc.String()).Msg("Synthesis complete")

	out := in
	out.ReplyAudio = loc

	return Output{Payload: out, Result: loc, Meta: meta}, nil
}
