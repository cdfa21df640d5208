package stage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/avabot/avatard/internal/artifact"
)

func newTestArtifacts(t *testing.T) *artifact.DiskStore {
	t.Helper()
	s, err := artifact.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func putArtifact(t *testing.T, s *artifact.DiskStore, content string) artifact.Locator {
	t.Helper()
	loc, err := s.Put(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
	return loc
}

func readArtifact(t *testing.T, s *artifact.DiskStore, loc artifact.Locator) string {
	t.Helper()
	rc, err := s.Open(context.Background(), loc)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestRecognitionAdapter_Invoke(t *testing.T) {
	artifacts := newTestArtifacts(t)
	audio := putArtifact(t, artifacts, "RIFF....fake-wav")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.URL.Path, "/asr")
		require.Equal(t, "ru", r.URL.Query().Get("language"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("audio_file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		require.Contains(t, string(data), "fake-wav")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"text":       "привет мир",
			"confidence": 0.93,
			"language":   "ru",
		})
	}))
	defer ts.Close()

	a := NewRecognitionAdapter(&RecognitionConfig{
		BaseURL:  ts.URL,
		Model:    "base",
		Language: "ru",
		Timeout:  5 * time.Second,
	}, artifacts, zerolog.Nop())

	out, err := a.Invoke(context.Background(), Payload{SourceAudio: audio})
	require.NoError(t, err)
	require.Equal(t, "привет мир", out.Payload.Transcript)
	require.Equal(t, "привет мир", readArtifact(t, artifacts, out.Result))
	require.Equal(t, "0.930", out.Meta["confidence"])
}

func TestRecognitionAdapter_ServiceError(t *testing.T) {
	artifacts := newTestArtifacts(t)
	audio := putArtifact(t, artifacts, "wav")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := NewRecognitionAdapter(&RecognitionConfig{BaseURL: ts.URL, Timeout: 5 * time.Second}, artifacts, zerolog.Nop())

	_, err := a.Invoke(context.Background(), Payload{SourceAudio: audio})
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, Recognition, se.Stage)
	require.Contains(t, se.Reason, "503")
}

func TestGenerationAdapter_Invoke(t *testing.T) {
	artifacts := newTestArtifacts(t)

	var gotPrompt string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req["prompt"].(string)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"response":          "Привет! Чем могу помочь?",
			"prompt_eval_count": 42,
			"eval_count":        12,
			"total_duration":    1500000000,
		})
	}))
	defer ts.Close()

	sessions := NewSessions(20)
	a := NewGenerationAdapter(&GenerationConfig{
		BaseURL: ts.URL,
		Model:   "llama3.2:3b",
		Timeout: 5 * time.Second,
	}, artifacts, sessions, zerolog.Nop())

	out, err := a.Invoke(context.Background(), Payload{SessionID: "c1", Transcript: "привет"})
	require.NoError(t, err)
	require.Equal(t, "Привет! Чем могу помочь?", out.Payload.Reply)
	require.Contains(t, gotPrompt, "привет")
	require.Equal(t, "42", out.Meta["prompt_tokens"])

	// The exchange lands in the session history
	require.Equal(t, 1, sessions.Session("c1").Len())

	// A second turn carries the prior exchange as context
	_, err = a.Invoke(context.Background(), Payload{SessionID: "c1", Transcript: "как дела?"})
	require.NoError(t, err)
	require.Contains(t, gotPrompt, "Привет! Чем могу помочь?")
}

func TestGenerationAdapter_EmptyTranscript(t *testing.T) {
	artifacts := newTestArtifacts(t)
	a := NewGenerationAdapter(&GenerationConfig{BaseURL: "http://localhost:0"}, artifacts, NewSessions(20), zerolog.Nop())

	_, err := a.Invoke(context.Background(), Payload{SessionID: "c1"})
	require.Error(t, err)
}

func TestSynthesisAdapter_Invoke(t *testing.T) {
	artifacts := newTestArtifacts(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/synthesize", r.URL.Path)
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "Привет!", req["text"])

		w.Header().Set("X-Sample-Rate", "22050")
		w.Header().Set("X-Duration-Ms", "850")
		w.Write([]byte("RIFF....synthesized"))
	}))
	defer ts.Close()

	a := NewSynthesisAdapter(&SynthesisConfig{BaseURL: ts.URL, Language: "ru", Timeout: 5 * time.Second}, artifacts, zerolog.Nop())

	out, err := a.Invoke(context.Background(), Payload{Reply: "Привет!"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Payload.ReplyAudio)
	require.Equal(t, "22050", out.Meta["sample_rate"])
	require.Contains(t, readArtifact(t, artifacts, out.Result), "synthesized")
}

func TestSynthesisAdapter_ForwardsReferenceVoice(t *testing.T) {
	artifacts := newTestArtifacts(t)
	ref := putArtifact(t, artifacts, "reference-voice-wav")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req["reference_voice"])
		w.Write([]byte("cloned-audio"))
	}))
	defer ts.Close()

	a := NewSynthesisAdapter(&SynthesisConfig{BaseURL: ts.URL, Timeout: 5 * time.Second}, artifacts, zerolog.Nop())

	_, err := a.Invoke(context.Background(), Payload{Reply: "text", ReferenceVoice: ref})
	require.NoError(t, err)
}

func TestAnimationAdapter_Invoke(t *testing.T) {
	artifacts := newTestArtifacts(t)
	image := putArtifact(t, artifacts, "PNG....face")
	audio := putArtifact(t, artifacts, "RIFF....speech")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/animate", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		img, _, err := r.FormFile("image")
		require.NoError(t, err)
		img.Close()
		aud, _, err := r.FormFile("audio")
		require.NoError(t, err)
		aud.Close()

		w.Write([]byte("mp4....animated"))
	}))
	defer ts.Close()

	a := NewAnimationAdapter(&AnimationConfig{BaseURL: ts.URL, Timeout: 5 * time.Second}, artifacts, zerolog.Nop())

	out, err := a.Invoke(context.Background(), Payload{SourceImage: image, ReplyAudio: audio})
	require.NoError(t, err)
	require.Equal(t, out.Result, out.Payload.Video)
	require.Contains(t, readArtifact(t, artifacts, out.Result), "animated")
}

func TestAnimationAdapter_MissingInputs(t *testing.T) {
	artifacts := newTestArtifacts(t)
	a := NewAnimationAdapter(&AnimationConfig{BaseURL: "http://localhost:0"}, artifacts, zerolog.Nop())

	_, err := a.Invoke(context.Background(), Payload{})
	require.Error(t, err)
}
