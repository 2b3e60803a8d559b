package services

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

// SequencerStore abstracts the reads the Sequencer needs.
type SequencerStore interface {
	ListProductTypes(ctx context.Context, eventID string) ([]*models.ProductType, error)
	GetRandomization(ctx context.Context, productTypeID string) (*models.RandomizationTable, error)
}

// Task is the next sample an evaluator should rate.
type Task struct {
	EventID           string                `json:"event_id"`
	ProductType       *models.ProductType   `json:"product_type"`
	SampleID          string                `json:"sample_id"`
	BlindCode         string                `json:"blind_code"`
	PresentationOrder int                   `json:"presentation_order"`
	JARAttributes     []models.JARAttribute `json:"jar_attributes"`
	// Index is the 1-based position of the sample within its product type
	// sequence; Total is that sequence's length.
	Index int `json:"index"`
	Total int `json:"total"`
}

// PlanStep is one product type of an event with the evaluator's sequence for it.
type PlanStep struct {
	ProductType *models.ProductType
	Sequence    []models.Assignment
}

// Plan is an evaluator's full presentation order across an event.
type Plan struct {
	EventID string
	Steps   []PlanStep
}

type Sequencer struct {
	store SequencerStore
	log   *logger.Logger
	retry ReadRetry
}

func NewSequencer(store SequencerStore, log *logger.Logger) *Sequencer {
	return &Sequencer{store: store, log: log.With("service", "Sequencer"), retry: DefaultReadRetry}
}

// NextTask returns the first sample of the evaluator's sequence, walking
// product types in display order, that is not in completed. It returns nil
// when every assigned sample is completed.
func (s *Sequencer) NextTask(ctx context.Context, userID, eventID string, position int, completed map[string]struct{}) (*Task, error) {
	plan, err := s.Plan(ctx, eventID, position)
	if err != nil {
		s.log.Warn("plan failed", "user_id", userID, "event_id", eventID, "position", position, "error", err)
		return nil, err
	}
	return plan.Next(completed), nil
}

// Plan loads the randomization of every product type of the event and
// extracts the evaluator's sequence. A product type without a table fails
// with ErrRandomizationMissing.
func (s *Sequencer) Plan(ctx context.Context, eventID string, position int) (*Plan, error) {
	if position < 1 {
		return nil, NewInvalidError("evaluator position required")
	}
	pts, err := retryRead(ctx, s.retry, func() ([]*models.ProductType, error) { return s.store.ListProductTypes(ctx, eventID) })
	if err != nil {
		return nil, err
	}
	models.SortProductTypes(pts)

	tables := make([]*models.RandomizationTable, len(pts))
	g, gctx := errgroup.WithContext(ctx)
	for i, pt := range pts {
		g.Go(func() error {
			t, err := retryRead(gctx, s.retry, func() (*models.RandomizationTable, error) { return s.store.GetRandomization(gctx, pt.ID) })
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{EventID: eventID, Steps: make([]PlanStep, 0, len(pts))}
	var missing []string
	for i, pt := range pts {
		if tables[i] == nil {
			missing = append(missing, pt.ID)
			continue
		}
		seq, ok := tables[i].Sequence(position)
		if !ok {
			return nil, NewInvalidError("evaluator position " + strconv.Itoa(position) + " is not part of the randomization for " + pt.Name)
		}
		plan.Steps = append(plan.Steps, PlanStep{ProductType: pt, Sequence: seq})
	}
	if len(missing) > 0 {
		return nil, NewRandomizationMissingError(missing...)
	}
	return plan, nil
}

// Next returns the first uncompleted assignment of the plan, or nil.
func (p *Plan) Next(completed map[string]struct{}) *Task {
	for _, step := range p.Steps {
		for i, a := range step.Sequence {
			if _, done := completed[a.SampleID]; done {
				continue
			}
			return &Task{
				EventID:           p.EventID,
				ProductType:       step.ProductType,
				SampleID:          a.SampleID,
				BlindCode:         a.BlindCode,
				PresentationOrder: a.PresentationOrder,
				JARAttributes:     step.ProductType.JARAttributes,
				Index:             i + 1,
				Total:             len(step.Sequence),
			}
		}
	}
	return nil
}

// StepDone reports whether every sample of the step is in completed.
func (st PlanStep) StepDone(completed map[string]struct{}) bool {
	for _, a := range st.Sequence {
		if _, ok := completed[a.SampleID]; !ok {
			return false
		}
	}
	return true
}
