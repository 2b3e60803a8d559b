package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

// FlowStore abstracts the reads and writes of an evaluator session.
type FlowStore interface {
	SequencerStore
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListSamples(ctx context.Context, productTypeID string) ([]*models.Sample, error)
	ListEvaluationsByUser(ctx context.Context, eventID, userID string) ([]*models.Evaluation, error)
	CountSamplesByEvent(ctx context.Context, eventID string) (int, error)
	ListRevealAcks(ctx context.Context, userID, eventID string) (map[string]time.Time, error)
	AddRevealAck(ctx context.Context, ack *models.RevealAck) error
}

type FlowStateKind string

const (
	FlowInTask        FlowStateKind = "in_task"
	FlowRevealPending FlowStateKind = "reveal_pending"
	FlowComplete      FlowStateKind = "complete"
)

// FlowState is derived from storage on every call; nothing about a session is
// kept in memory between requests.
type FlowState struct {
	Kind      FlowStateKind `json:"kind"`
	Task      *Task         `json:"task,omitempty"`
	Reveal    *Reveal       `json:"reveal,omitempty"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
}

// Reveal maps the blind codes of a finished product type back to the products.
type Reveal struct {
	ProductType *models.ProductType `json:"product_type"`
	Samples     []RevealEntry       `json:"samples"`
}

type RevealEntry struct {
	SampleID     string `json:"sample_id"`
	BlindCode    string `json:"blind_code"`
	Brand        string `json:"brand"`
	RetailerCode string `json:"retailer_code"`
}

// Session identifies one evaluator working through one event.
type Session struct {
	UserID   string
	EventID  string
	Position int
}

// SubmitRequest carries the request-scoped token that owns the in-flight marker.
type SubmitRequest struct {
	Token    string
	SampleID string
	Hedonic  models.HedonicScores
	JAR      map[string]int
}

type SubmitResult struct {
	Evaluation *models.Evaluation `json:"evaluation"`
	State      *FlowState         `json:"state,omitempty"`
}

type FlowController struct {
	store       FlowStore
	sequencer   *Sequencer
	gateway     *SubmissionGateway
	guard       InFlightGuard
	inflightTTL time.Duration
	log         *logger.Logger
	retry       ReadRetry
	now         func() time.Time
}

func NewFlowController(store FlowStore, sequencer *Sequencer, gateway *SubmissionGateway, guard InFlightGuard, inflightTTL time.Duration, log *logger.Logger) *FlowController {
	if inflightTTL <= 0 {
		inflightTTL = 30 * time.Second
	}
	return &FlowController{
		store:       store,
		sequencer:   sequencer,
		gateway:     gateway,
		guard:       guard,
		inflightTTL: inflightTTL,
		log:         log.With("service", "FlowController"),
		retry:       DefaultReadRetry,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type flowSnapshot struct {
	plan      *Plan
	completed map[string]struct{}
	acks      map[string]time.Time
	total     int
}

// State derives where the evaluator stands in the event.
func (c *FlowController) State(ctx context.Context, sess Session) (*FlowState, error) {
	snap, err := c.load(ctx, sess)
	if err != nil {
		return nil, err
	}
	return c.derive(ctx, sess, snap)
}

func (c *FlowController) load(ctx context.Context, sess Session) (*flowSnapshot, error) {
	if sess.UserID == "" || sess.EventID == "" {
		return nil, NewInvalidError("user and event required")
	}
	ev, err := retryRead(ctx, c.retry, func() (*models.Event, error) { return c.store.GetEvent(ctx, sess.EventID) })
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	if ev.Status == models.EventPreparation {
		return nil, newConflict(ErrEventNotActive, "error.event_not_active", "event has not started")
	}
	return c.snapshot(ctx, sess)
}

func (c *FlowController) snapshot(ctx context.Context, sess Session) (*flowSnapshot, error) {
	evals, err := retryRead(ctx, c.retry, func() ([]*models.Evaluation, error) {
		return c.store.ListEvaluationsByUser(ctx, sess.EventID, sess.UserID)
	})
	if err != nil {
		return nil, err
	}
	completed := make(map[string]struct{}, len(evals))
	for _, e := range evals {
		completed[e.SampleID] = struct{}{}
	}
	plan, err := c.sequencer.Plan(ctx, sess.EventID, sess.Position)
	if err != nil {
		return nil, err
	}
	acks, err := retryRead(ctx, c.retry, func() (map[string]time.Time, error) {
		return c.store.ListRevealAcks(ctx, sess.UserID, sess.EventID)
	})
	if err != nil {
		return nil, err
	}
	total, err := retryRead(ctx, c.retry, func() (int, error) { return c.store.CountSamplesByEvent(ctx, sess.EventID) })
	if err != nil {
		return nil, err
	}
	return &flowSnapshot{plan: plan, completed: completed, acks: acks, total: total}, nil
}

func (c *FlowController) derive(ctx context.Context, sess Session, snap *flowSnapshot) (*FlowState, error) {
	next := snap.plan.Next(snap.completed)
	countDone := len(snap.completed) >= snap.total
	if (next == nil) != countDone {
		c.log.Error("completion mismatch", "user_id", sess.UserID, "event_id", sess.EventID,
			"sequencer_done", next == nil, "completed", len(snap.completed), "total", snap.total)
		return nil, NewStaleCompletionError(sess.UserID, sess.EventID, next == nil, len(snap.completed), snap.total)
	}
	state := &FlowState{Completed: len(snap.completed), Total: snap.total}

	// Every step before the next task's product type is finished; the first
	// one not yet acknowledged must be revealed before moving on.
	for _, step := range snap.plan.Steps {
		if next != nil && step.ProductType.ID == next.ProductType.ID {
			break
		}
		if _, acked := snap.acks[step.ProductType.ID]; acked {
			continue
		}
		reveal, err := c.buildReveal(ctx, step)
		if err != nil {
			return nil, err
		}
		state.Kind = FlowRevealPending
		state.Reveal = reveal
		return state, nil
	}
	if next == nil {
		state.Kind = FlowComplete
		return state, nil
	}
	state.Kind = FlowInTask
	state.Task = next
	return state, nil
}

func (c *FlowController) buildReveal(ctx context.Context, step PlanStep) (*Reveal, error) {
	samples, err := retryRead(ctx, c.retry, func() ([]*models.Sample, error) { return c.store.ListSamples(ctx, step.ProductType.ID) })
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Sample, len(samples))
	for _, s := range samples {
		byID[s.ID] = s
	}
	out := &Reveal{ProductType: step.ProductType, Samples: make([]RevealEntry, 0, len(step.Sequence))}
	for _, a := range step.Sequence {
		entry := RevealEntry{SampleID: a.SampleID, BlindCode: a.BlindCode}
		if s := byID[a.SampleID]; s != nil {
			entry.Brand = s.Brand
			entry.RetailerCode = s.RetailerCode
		}
		out.Samples = append(out.Samples, entry)
	}
	return out, nil
}

// Submit records the ratings for the current task and returns the next state.
// The submission is never retried here; a failed attempt leaves no row.
// A sample the user already rated is a duplicate whatever the flow state.
func (c *FlowController) Submit(ctx context.Context, sess Session, req SubmitRequest) (*SubmitResult, error) {
	snap, err := c.load(ctx, sess)
	if err != nil {
		return nil, err
	}
	if _, done := snap.completed[req.SampleID]; done {
		return nil, NewDuplicateEvaluationError(sess.UserID, req.SampleID)
	}
	state, err := c.derive(ctx, sess, snap)
	if err != nil {
		return nil, err
	}
	switch state.Kind {
	case FlowComplete:
		return nil, newConflict(ErrFlowComplete, "error.flow_complete", "all samples of this event are already evaluated")
	case FlowRevealPending:
		return nil, newConflict(ErrRevealPending, "error.reveal_pending", "continue past the reveal of "+state.Reveal.ProductType.Name+" first")
	}
	if req.SampleID != state.Task.SampleID {
		return nil, newConflict(ErrOutOfSequence, "error.out_of_sequence", "sample "+req.SampleID+" is not the current task")
	}

	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	key := InFlightKey(sess.EventID, req.SampleID, sess.UserID)
	ok, err := c.guard.Acquire(ctx, key, token, c.inflightTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newConflict(ErrSubmissionInProgress, "error.submission_in_progress", "a submission for this sample is already in progress")
	}
	defer func() {
		if rerr := c.guard.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			c.log.Warn("release in-flight marker failed", "key", key, "error", rerr)
		}
	}()

	ev, err := c.gateway.Submit(ctx, EvaluationInput{
		UserID:   sess.UserID,
		EventID:  sess.EventID,
		SampleID: req.SampleID,
		Hedonic:  req.Hedonic,
		JAR:      req.JAR,
	})
	if err != nil {
		return nil, err
	}
	// The row is committed; a failed re-derive leaves State empty and the
	// client reloads the flow.
	next, err := c.State(ctx, sess)
	if err != nil {
		c.log.Warn("state after submit unavailable", "user_id", sess.UserID, "event_id", sess.EventID, "error", err)
		return &SubmitResult{Evaluation: ev}, nil
	}
	return &SubmitResult{Evaluation: ev, State: next}, nil
}

// ContinueAfterReveal acknowledges the pending reveal of a product type.
// Acknowledging an already acknowledged product type is a no-op.
func (c *FlowController) ContinueAfterReveal(ctx context.Context, sess Session, productTypeID string) (*FlowState, error) {
	state, err := c.State(ctx, sess)
	if err != nil {
		return nil, err
	}
	if state.Kind == FlowRevealPending && state.Reveal.ProductType.ID == productTypeID {
		if err := c.store.AddRevealAck(ctx, &models.RevealAck{UserID: sess.UserID, ProductTypeID: productTypeID, AcknowledgedAt: c.now()}); err != nil {
			return nil, err
		}
		return c.State(ctx, sess)
	}
	acks, err := retryRead(ctx, c.retry, func() (map[string]time.Time, error) {
		return c.store.ListRevealAcks(ctx, sess.UserID, sess.EventID)
	})
	if err != nil {
		return nil, err
	}
	if _, ok := acks[productTypeID]; ok {
		return state, nil
	}
	return nil, newConflict(ErrNoRevealPending, "error.no_reveal_pending", "no reveal pending for product type "+productTypeID)
}

// IsComplete compares the user's evaluation count with the event's sample
// count. It is recomputed on every call. An event without samples is never
// complete.
func (c *FlowController) IsComplete(ctx context.Context, userID, eventID string) (bool, error) {
	ev, err := retryRead(ctx, c.retry, func() (*models.Event, error) { return c.store.GetEvent(ctx, eventID) })
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, NewNotFoundError("event not found")
	}
	evals, err := retryRead(ctx, c.retry, func() ([]*models.Evaluation, error) {
		return c.store.ListEvaluationsByUser(ctx, eventID, userID)
	})
	if err != nil {
		return false, err
	}
	total, err := retryRead(ctx, c.retry, func() (int, error) { return c.store.CountSamplesByEvent(ctx, eventID) })
	if err != nil {
		return false, err
	}
	return total > 0 && len(evals) >= total, nil
}
