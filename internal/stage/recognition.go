package stage

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

	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
)

// RecognitionConfig configures the speech-recognition adapter.
type RecognitionConfig struct {
	BaseURL  string        // e.g. "http://localhost:9000"
	Model    string        // model size hint (tiny, base, small, ...)
	Language string        // default language hint
	Timeout  time.Duration // HTTP client timeout
}

// RecognitionAdapter transcribes the job's source audio via a remote
// whisper-style service.
type RecognitionAdapter struct {
	config    *RecognitionConfig
	client    *http.Client
	artifacts artifact.Store
	logger    zerolog.Logger
}

// NewRecognitionAdapter creates a recognition adapter.
func NewRecognitionAdapter(cfg *RecognitionConfig, artifacts artifact.Store, logger zerolog.Logger) *RecognitionAdapter {
	return &RecognitionAdapter{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		artifacts: artifacts,
		logger:    logger.With().Str("component", "recognition").Logger(),
	}
}

// Name returns the stage identifier.
func (a *RecognitionAdapter) Name() string { return Recognition }

// transcribeResponse is the wire format of the recognition service.
type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Segments   []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Invoke uploads the source audio and returns the transcript. The
// transcript text is also persisted as the stage artifact.
func (a *RecognitionAdapter) Invoke(ctx context.Context, in Payload) (Output, error) {
	audio, err := a.artifacts.Open(ctx, in.SourceAudio)
	if err != nil {
		return Output{}, Fail(Recognition, fmt.Errorf("open source audio: %w", err))
	}
	defer audio.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio_file", "input.wav")
	if err != nil {
		return Output{}, Fail(Recognition, err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return Output{}, Fail(Recognition, fmt.Errorf("read source audio: %w", err))
	}
	if err := mw.Close(); err != nil {
		return Output{}, Fail(Recognition, err)
	}

	language := in.Language
	if language == "" {
		language = a.config.Language
	}

	url := fmt.Sprintf("%s/asr?language=%s&model=%s", strings.TrimRight(a.config.BaseURL, "/"), language, a.config.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Output{}, Fail(Recognition, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	a.logger.Debug().Str("language", language).Str("audio", in.SourceAudio.String()).Msg("Sending transcription request")

	resp, err := a.client.Do(req)
	if err != nil {
		return Output{}, Fail(Recognition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, Fail(Recognition, fmt.Errorf("recognition service: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var tr transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Output{}, Fail(Recognition, fmt.Errorf("decode response: %w", err))
	}
	if strings.TrimSpace(tr.Text) == "" {
		return Output{}, Fail(Recognition, fmt.Errorf("empty transcript"))
	}

	loc, err := a.artifacts.Put(ctx, strings.NewReader(tr.Text))
	if err != nil {
		return Output{}, Fail(Recognition, fmt.Errorf("store transcript: %w", err))
	}

	a.logger.Info().
		Float64("confidence", tr.Confidence).
		Int("textLen", len(tr.Text)).
		Msg("Transcription complete")

	out := in
	out.Transcript = tr.Text

	return Output{
		Payload: out,
		Result:  loc,
		Meta: map[string]string{
			"confidence": fmt.Sprintf("%.3f", tr.Confidence),
			"language":   tr.Language,
			"segments":   fmt.Sprintf("%d", len(tr.Segments)),
		},
	}, nil
}
