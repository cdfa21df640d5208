// Package discovery tracks the reachability of the remote AI
// capabilities the pipeline depends on.
package discovery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Target is one probed collaborator endpoint.
type Target struct {
	Name     string    `json:"name"`     // stage name (recognition, generation, ...)
	URL      string    `json:"url"`      // base URL
	Status   string    `json:"status"`   // "online", "offline"
	Latency  int64     `json:"latency"`  // response time in ms
	LastSeen time.Time `json:"lastSeen"` // last successful contact
}

// Config holds discovery configuration
type Config struct {
	// Targets maps stage names to base URLs
	Targets map[string]string
	// Probe timeout per endpoint
	Timeout time.Duration
	// How often to refresh
	RefreshInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Targets:         map[string]string{},
		Timeout:         2 * time.Second,
		RefreshInterval: 30 * time.Second,
	}
}

// Service probes collaborator endpoints on an interval.
type Service struct {
	cfg        *Config
	httpClient *http.Client
	logger     zerolog.Logger

	mu      sync.RWMutex
	targets map[string]*Target

	stopCh  chan struct{}
	running bool
}

// NewService creates a new discovery service
func NewService(cfg *Config, logger zerolog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "discovery").Logger(),
		targets:    make(map[string]*Target),
		stopCh:     make(chan struct{}),
	}
	for name, url := range cfg.Targets {
		s.targets[name] = &Target{Name: name, URL: url, Status: "offline"}
	}
	return s
}

// Start begins the refresh loop. It probes once immediately.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		s.refresh()
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.refresh()
			}
		}
	}()
}

// Stop halts the refresh loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// Targets returns a snapshot of the probed targets.
func (s *Service) Targets() []Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, *t)
	}
	return out
}

func (s *Service) refresh() {
	s.mu.RLock()
	urls := make(map[string]string, len(s.targets))
	for name, t := range s.targets {
		urls[name] = t.URL
	}
	s.mu.RUnlock()

	for name, url := range urls {
		status, latency := s.probe(url)

		s.mu.Lock()
		t := s.targets[name]
		prev := t.Status
		t.Status = status
		t.Latency = latency
		if status == "online" {
			t.LastSeen = time.Now()
		}
		s.mu.Unlock()

		if prev != status {
			s.logger.Info().Str("target", name).Str("status", status).Msg("Collaborator status changed")
		}
	}
}

func (s *Service) probe(baseURL string) (string, int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return "offline", 0
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "offline", 0
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "offline", 0
	}
	return "online", time.Since(start).Milliseconds()
}
