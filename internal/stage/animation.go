package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
)

// AnimationConfig configures the facial-animation adapter.
type AnimationConfig struct {
	BaseURL string        // e.g. "http://localhost:8002"
	Timeout time.Duration // HTTP client timeout
}

// AnimationAdapter animates the avatar image with the synthesized
// audio via a remote SadTalker-style service.
type AnimationAdapter struct {
	config    *AnimationConfig
	client    *http.Client
	artifacts artifact.Store
	logger    zerolog.Logger
}

// NewAnimationAdapter creates an animation adapter.
func NewAnimationAdapter(cfg *AnimationConfig, artifacts artifact.Store, logger zerolog.Logger) *AnimationAdapter {
	return &AnimationAdapter{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		artifacts: artifacts,
		logger:    logger.With().Str("component", "animation").Logger(),
	}
}

// Name returns the stage identifier.
func (a *AnimationAdapter) Name() string { return Animation }

// Invoke uploads the source image and reply audio and stores the
// animated video returned by the service as the stage artifact.
func (a *AnimationAdapter) Invoke(ctx context.Context, in Payload) (Output, error) {
	if in.SourceImage == "" {
		return Output{}, Fail(Animation, fmt.Errorf("no source image"))
	}
	if in.ReplyAudio == "" {
		return Output{}, Fail(Animation, fmt.Errorf("no reply audio"))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := a.copyPart(ctx, mw, "image", "face.png", in.SourceImage); err != nil {
		return Output{}, Fail(Animation, err)
	}
	if err := a.copyPart(ctx, mw, "audio", "speech.wav", in.ReplyAudio); err != nil {
		return Output{}, Fail(Animation, err)
	}
	if err := mw.Close(); err != nil {
		return Output{}, Fail(Animation, err)
	}

	url := strings.TrimRight(a.config.BaseURL, "/") + "/animate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Output{}, Fail(Animation, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	a.logger.Debug().
		Str("image", in.SourceImage.String()).
		Str("audio", in.ReplyAudio.String()).
		Msg("Sending animation request")

	resp, err := a.client.Do(req)
	if err != nil {
		return Output{}, Fail(Animation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, Fail(Animation, fmt.Errorf("animation service: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	loc, err := a.artifacts.Put(ctx, resp.Body)
	if err != nil {
		return Output{}, Fail(Animation, fmt.Errorf("store video: %w", err))
	}

	a.logger.Info().Str("video", loc.String()).Msg("Animation complete")

	out := in
	out.Video = loc

	return Output{Payload: out, Result: loc}, nil
}

func (a *AnimationAdapter) copyPart(ctx context.Context, mw *multipart.Writer, field, filename string, loc artifact.Locator) error {
	r, err := a.artifacts.Open(ctx, loc)
	if err != nil {
		return fmt.Errorf("open %s: %w", field, err)
	}
	defer r.Close()

	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read %s: %w", field, err)
	}
	return nil
}

// LipSyncAdapter refines the animated video's mouth movements against
// the reply audio. It reuses the animation service's /lipsync endpoint
// and is only scheduled when enabled in the pipeline config.
type LipSyncAdapter struct {
	config    *AnimationConfig
	client    *http.Client
	artifacts artifact.Store
	logger    zerolog.Logger
}

// NewLipSyncAdapter creates a lip-sync adapter.
func NewLipSyncAdapter(cfg *AnimationConfig, artifacts artifact.Store, logger zerolog.Logger) *LipSyncAdapter {
	return &LipSyncAdapter{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		artifacts: artifacts,
		logger:    logger.With().Str("component", "lipsync").Logger(),
	}
}

// Name returns the stage identifier.
func (a *LipSyncAdapter) Name() string { return LipSync }

// Invoke refines the animated video and stores the result as the stage
// artifact, replacing the payload video for downstream consumers.
func (a *LipSyncAdapter) Invoke(ctx context.Context, in Payload) (Output, error) {
	if in.Video == "" {
		return Output{}, Fail(LipSync, fmt.Errorf("no video to refine"))
	}
	if in.ReplyAudio == "" {
		return Output{}, Fail(LipSync, fmt.Errorf("no reply audio"))
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	helper := &AnimationAdapter{artifacts: a.artifacts}
	if err := helper.copyPart(ctx, mw, "video", "avatar.mp4", in.Video); err != nil {
		return Output{}, Fail(LipSync, err)
	}
	if err := helper.copyPart(ctx, mw, "audio", "speech.wav", in.ReplyAudio); err != nil {
		return Output{}, Fail(LipSync, err)
	}
	if err := mw.Close(); err != nil {
		return Output{}, Fail(LipSync, err)
	}

	url := strings.TrimRight(a.config.BaseURL, "/") + "/lipsync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Output{}, Fail(LipSync, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.client.Do(req)
	if err != nil {
		return Output{}, Fail(LipSync, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Output{}, Fail(LipSync, fmt.Errorf("lipsync service: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	loc, err := a.artifacts.Put(ctx, resp.Body)
	if err != nil {
		return Output{}, Fail(LipSync, fmt.Errorf("store video: %w", err))
	}

	a.logger.Info().Str("video", loc.String()).Msg("Lip-sync complete")

	out := in
	out.Video = loc

	return Output{Payload: out, Result: loc}, nil
}
