// Package job owns the avatar-generation job lifecycle: it accepts a
// request, assigns an id, drives the stage pipeline in order, persists
// results, and answers status queries.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
	"github.com/avabot/avatard/internal/bus"
	"github.com/avabot/avatard/internal/metrics"
	"github.com/avabot/avatard/internal/stage"
	"github.com/avabot/avatard/internal/store"
)

// Common errors
var (
	ErrBusy   = errors.New("job queue is full")
	ErrClosed = errors.New("orchestrator is shut down")
)

// ValidationError reports a rejected submission. It is surfaced
// synchronously; no job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

// Notifier pushes best-effort completion events to realtime clients.
// The hub satisfies it; push failures never reach the pipeline.
type Notifier interface {
	Send(id string, v interface{})
}

// SubmitRequest describes one avatar-generation request.
type SubmitRequest struct {
	ClientID       string
	Language       string
	SourceAudio    artifact.Locator
	SourceImage    artifact.Locator
	ReferenceVoice artifact.Locator
}

// Event is the push payload sent on terminal transitions.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type task struct {
	jobID    string
	clientID string
	payload  stage.Payload
}

// Orchestrator runs submitted jobs through the ordered stage pipeline
// on a supervised worker pool. Construct one per process and inject it
// where needed; there is no package-level instance.
type Orchestrator struct {
	resultStore *store.Store
	artifacts   artifact.Store
	stages      []stage.Adapter
	notifier    Notifier
	events      *bus.EventBus
	logger      zerolog.Logger

	queue chan task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Options configures the orchestrator's worker pool.
type Options struct {
	Workers   int
	QueueSize int
}

// New creates an orchestrator and starts its workers. stages run in the
// given order for every job. notifier and events may be nil.
func New(rs *store.Store, artifacts artifact.Store, stages []stage.Adapter, notifier Notifier, events *bus.EventBus, logger zerolog.Logger, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}

	o := &Orchestrator{
		resultStore: rs,
		artifacts:   artifacts,
		stages:      stages,
		notifier:    notifier,
		events:      events,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		queue:       make(chan task, opts.QueueSize),
		quit:        make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	return o
}

// Submit validates the request, allocates a job id and schedules the
// run. It returns as soon as the job is queued; the caller never blocks
// on pipeline execution. Validation failures return a *ValidationError
// and create no job.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := o.validate(ctx, req); err != nil {
		return "", err
	}

	// The inflight group is joined while the mutex is held so Close
	// observes either the closed flag or a submit it must wait out;
	// the queue is never closed under a pending enqueue.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if len(o.queue) == cap(o.queue) {
		o.mu.Unlock()
		return "", ErrBusy
	}
	o.inflight.Add(1)
	o.mu.Unlock()
	defer o.inflight.Done()

	jobID := uuid.NewString()
	if err := o.resultStore.Create(ctx, jobID, req.ClientID); err != nil {
		return "", err
	}

	t := task{
		jobID:    jobID,
		clientID: req.ClientID,
		payload: stage.Payload{
			SessionID:      req.ClientID,
			Language:       req.Language,
			SourceAudio:    req.SourceAudio,
			SourceImage:    req.SourceImage,
			ReferenceVoice: req.ReferenceVoice,
		},
	}

	// Plain send: workers keep draining until every in-flight submit
	// has enqueued, so this cannot block past shutdown.
	o.queue <- t

	metrics.JobsSubmitted.Inc()
	o.publish(bus.EventTypeJobSubmitted, jobID, req.ClientID, nil)
	o.logger.Info().Str("job", jobID).Str("client", req.ClientID).Msg("Job submitted")

	return jobID, nil
}

// Status returns the job's current status projection from the result
// store. Stage results already written remain retrievable for RUNNING
// and FAILED jobs.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*store.JobStatus, error) {
	return o.resultStore.ReadStatus(ctx, jobID)
}

// Close stops accepting jobs, lets stages already in flight finish,
// and waits for the workers to drain. Jobs that had not started their
// next stage are failed at the stage boundary. The queue channel itself
// is never closed: submits racing Close finish enqueueing first, and
// workers exit on the quit signal once the queue is empty.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.inflight.Wait()
	close(o.quit)
	o.wg.Wait()
}

func (o *Orchestrator) validate(ctx context.Context, req SubmitRequest) error {
	if req.SourceAudio == "" {
		return &ValidationError{Field: "source_audio", Reason: "required"}
	}
	if _, err := o.artifacts.Stat(ctx, req.SourceAudio); err != nil {
		return &ValidationError{Field: "source_audio", Reason: "unresolvable locator"}
	}
	if req.SourceImage == "" {
		return &ValidationError{Field: "source_image", Reason: "required"}
	}
	if _, err := o.artifacts.Stat(ctx, req.SourceImage); err != nil {
		return &ValidationError{Field: "source_image", Reason: "unresolvable locator"}
	}
	if req.ReferenceVoice != "" {
		if _, err := o.artifacts.Stat(ctx, req.ReferenceVoice); err != nil {
			return &ValidationError{Field: "reference_voice", Reason: "unresolvable locator"}
		}
	}
	return nil
}

func (o *Orchestrator) worker(n int) {
	defer o.wg.Done()
	log := o.logger.With().Int("worker", n).Logger()

	for {
		select {
		case t := <-o.queue:
			o.run(t, log)
		case <-o.quit:
			// Drain what was already enqueued; each drained job
			// fails at its first stage boundary.
			for {
				select {
				case t := <-o.queue:
					o.run(t, log)
				default:
					return
				}
			}
		}
	}
}

// run drives one job through the pipeline. It is supervised: a panic in
// a stage adapter is captured and recorded as a job failure instead of
// killing the worker.
func (o *Orchestrator) run(t task, log zerolog.Logger) {
	currentStage := ""
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", t.jobID).Str("stage", currentStage).Interface("panic", r).Msg("Stage panicked")
			o.fail(t.jobID, currentStage, fmt.Sprintf("panic: %v", r))
		}
	}()

	ctx := context.Background()

	if err := o.resultStore.SetStatus(ctx, t.jobID, store.StatusRunning); err != nil {
		log.Error().Err(err).Str("job", t.jobID).Msg("Failed to mark job running")
		return
	}
	o.publish(bus.EventTypeJobStarted, t.jobID, t.clientID, nil)

	payload := t.payload
	for _, adapter := range o.stages {
		// Shutdown declines to start the next stage; a stage in
		// flight is never interrupted.
		select {
		case <-o.quit:
			o.fail(t.jobID, adapter.Name(), "cancelled before stage start")
			return
		default:
		}

		currentStage = adapter.Name()
		o.publish(bus.EventTypeStageStarted, t.jobID, t.clientID, map[string]any{"stage": currentStage})

		start := time.Now()
		out, err := adapter.Invoke(ctx, payload)
		elapsed := time.Since(start)
		metrics.StageDuration.WithLabelValues(currentStage).Observe(elapsed.Seconds())

		if err != nil {
			se := stage.Fail(currentStage, err)
			log.Warn().Err(err).Str("job", t.jobID).Str("stage", currentStage).Bool("timeout", se.Timeout).Msg("Stage failed")
			o.fail(t.jobID, currentStage, se.Reason)
			return
		}

		res := store.StageResult{
			Stage:      currentStage,
			Locator:    out.Result,
			Duration:   elapsed,
			Success:    true,
			ProducedAt: time.Now(),
		}
		if err := o.resultStore.AppendStageResult(ctx, t.jobID, res); err != nil {
			log.Error().Err(err).Str("job", t.jobID).Str("stage", currentStage).Msg("Failed to record stage result")
			o.fail(t.jobID, currentStage, fmt.Sprintf("record result: %v", err))
			return
		}

		o.publish(bus.EventTypeStageFinished, t.jobID, t.clientID, map[string]any{
			"stage":   currentStage,
			"locator": out.Result.String(),
		})
		log.Info().Str("job", t.jobID).Str("stage", currentStage).Dur("took", elapsed).Msg("Stage complete")

		payload = out.Payload
	}

	if err := o.resultStore.SetStatus(ctx, t.jobID, store.StatusCompleted); err != nil {
		log.Error().Err(err).Str("job", t.jobID).Msg("Failed to mark job completed")
		return
	}
	metrics.JobsFinished.WithLabelValues(string(store.StatusCompleted)).Inc()
	o.publish(bus.EventTypeJobCompleted, t.jobID, t.clientID, nil)
	o.notify(t.jobID, t.clientID, "job.completed", nil)
	log.Info().Str("job", t.jobID).Msg("Job completed")
}

// fail records a terminal failure. It tolerates the job already being
// terminal so supervision paths never fight each other.
func (o *Orchestrator) fail(jobID, failingStage, reason string) {
	ctx := context.Background()
	err := o.resultStore.SetFailed(ctx, jobID, failingStage, reason)
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		o.logger.Error().Err(err).Str("job", jobID).Msg("Failed to record job failure")
		return
	}
	if err == nil {
		metrics.JobsFinished.WithLabelValues(string(store.StatusFailed)).Inc()
		st, _ := o.resultStore.ReadStatus(ctx, jobID)
		var clientID string
		if st != nil {
			clientID = st.ClientID
		}
		o.publish(bus.EventTypeJobFailed, jobID, clientID, map[string]any{
			"failing_stage": failingStage,
			"error_reason":  reason,
		})
		o.notify(jobID, clientID, "job.failed", map[string]any{
			"failing_stage": failingStage,
			"error_reason":  reason,
		})
	}
}

// notify pushes a terminal event to the submitting client. Best-effort:
// a missing or broken channel never affects job state.
func (o *Orchestrator) notify(jobID, clientID, eventType string, extra map[string]any) {
	if o.notifier == nil || clientID == "" {
		return
	}
	payload := map[string]any{"job_id": jobID}
	for k, v := range extra {
		payload[k] = v
	}
	o.notifier.Send(clientID, Event{Type: eventType, Payload: payload})
}

func (o *Orchestrator) publish(t bus.EventType, jobID, clientID string, extra map[string]any) {
	if o.events == nil {
		return
	}
	data := map[string]any{"job_id": jobID, "client_id": clientID}
	for k, v := range extra {
		data[k] = v
	}
	o.events.Publish(bus.Event{Type: t, Data: data})
}
