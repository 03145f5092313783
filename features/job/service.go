package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/config"
)

// StatusPublisher receives a change-notification event after every status
// mutation. Publishing is best-effort: the core stays poll-based and a
// publish failure never fails the mutation it follows.
type StatusPublisher interface {
	Publish(topic string, body []byte) error
}

// StatusEvent is the body published to the jobs.status topic.
type StatusEvent struct {
	JobID  string    `json:"job_id"`
	Type   Type      `json:"type,omitempty"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

type Service struct {
	repo Repository
	pub  StatusPublisher
	now  func() time.Time
}

func NewService(repo Repository, pub StatusPublisher) *Service {
	return &Service{repo: repo, pub: pub, now: time.Now}
}

// CreateParams is the producer-facing input for a new job.
type CreateParams struct {
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	CreatedBy    string          `json:"created_by"`
}

// Create validates and persists a new pending job. ErrConflict means a job
// of the same type is already active; callers treat that as expected
// control flow, not a fault.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Job, error) {
	if !ValidType(p.Type) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrValidation, p.Type)
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	if p.Payload == nil {
		p.Payload = json.RawMessage(`{}`)
	}

	j := &Job{
		Type:         p.Type,
		Payload:      p.Payload,
		Priority:     p.Priority,
		ScheduledFor: p.ScheduledFor,
		MaxAttempts:  DefaultMaxAttempts,
		CreatedBy:    p.CreatedBy,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job created", "id", j.ID, "type", j.Type)
	s.publish(ctx, j)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]Job, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Retry manually resets a job back to a clean pending state with no delay.
func (s *Service) Retry(ctx context.Context, id, actor string) (*Job, error) {
	j, err := s.repo.ResetForRetry(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "job reset for retry", "id", id, "actor", actor)
	s.publish(ctx, j)
	return j, nil
}

// Cancel stops a pending or processing job from ever being selected again.
// There is no cooperative signal to in-flight workers; a running worker's
// eventual report against a cancelled job is rejected as a conflict.
func (s *Service) Cancel(ctx context.Context, id, actor string) (*Job, error) {
	j, err := s.repo.Cancel(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "job cancelled", "id", id, "actor", actor)
	s.publish(ctx, j)
	return j, nil
}

// Complete records a successful worker result and finishes the job.
func (s *Service) Complete(ctx context.Context, id string, result json.RawMessage) (*Job, error) {
	if len(result) > 0 && !json.Valid(result) {
		return nil, fmt.Errorf("%w: result is not valid JSON", ErrValidation)
	}
	j, err := s.repo.SetResult(ctx, id, result)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "job completed", "id", id)
	s.publish(ctx, j)
	return j, nil
}

// Fail applies the retry policy to a reported failure: while the attempt
// budget lasts, the job goes back to pending with a backoff delay from the
// ladder; once exhausted it is terminally failed with the error preserved.
func (s *Service) Fail(ctx context.Context, id, message string) (*Job, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot fail job in status %s", ErrConflict, current.Status)
	}

	attempt := current.Attempts + 1
	if attempt < current.MaxAttempts {
		nextRetry := s.now().Add(DelayFor(attempt))
		j, err := s.repo.IncrementAttempts(ctx, id, nextRetry, message)
		if err != nil {
			return nil, err
		}
		slog.WarnContext(ctx, "job failed, retry scheduled",
			"id", id, "attempt", j.Attempts, "next_retry_at", nextRetry, "error", message)
		s.publish(ctx, j)
		return j, nil
	}

	j, err := s.repo.MarkFailed(ctx, id, message)
	if err != nil {
		return nil, err
	}
	slog.ErrorContext(ctx, "job failed terminally", "id", id, "attempts", j.Attempts, "error", message)
	s.publish(ctx, j)
	return j, nil
}

// Progress applies worker-reported counter deltas.
func (s *Service) Progress(ctx context.Context, id string, processedDelta, failedDelta int) error {
	if processedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("%w: progress deltas must be non-negative", ErrValidation)
	}
	return s.repo.AddProgress(ctx, id, processedDelta, failedDelta)
}

func (s *Service) publish(ctx context.Context, j *Job) {
	if s.pub == nil {
		return
	}
	body, err := json.Marshal(StatusEvent{JobID: j.ID, Type: j.Type, Status: j.Status, At: s.now()})
	if err != nil {
		return
	}
	if err := s.pub.Publish(config.TopicJobStatus, body); err != nil {
		slog.WarnContext(ctx, "failed to publish job status event", "id", j.ID, "error", err)
	}
}
