package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

// SubmissionStore abstracts persistence operations required by SubmissionGateway.
type SubmissionStore interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetProductType(ctx context.Context, id string) (*models.ProductType, error)
	GetSample(ctx context.Context, id string) (*models.Sample, error)
	// InsertEvaluation must reject a second row for the same (user, sample)
	// atomically with ErrDuplicateEvaluation.
	InsertEvaluation(ctx context.Context, ev *models.Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error)
	// ReviseEvaluation stores the revision and the updated row in one transaction.
	ReviseEvaluation(ctx context.Context, ev *models.Evaluation, rev *models.EvaluationRevision) error
	ListRevisions(ctx context.Context, evaluationID string) ([]*models.EvaluationRevision, error)
	ListEvaluationsByEvent(ctx context.Context, eventID string) ([]*models.Evaluation, error)
	AddAudit(ctx context.Context, entry models.AuditEntry) error
}

// EvaluationInput is one evaluator's ratings for one sample.
type EvaluationInput struct {
	UserID   string
	EventID  string
	SampleID string
	Hedonic  models.HedonicScores
	JAR      map[string]int
}

type SubmissionGateway struct {
	store SubmissionStore
	log   *logger.Logger
	retry ReadRetry
	now   func() time.Time
	idGen func() string
}

func NewSubmissionGateway(store SubmissionStore, log *logger.Logger) *SubmissionGateway {
	return &SubmissionGateway{
		store: store,
		log:   log.With("service", "SubmissionGateway"),
		retry: DefaultReadRetry,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
	}
}

// Submit validates and records one evaluation. The insert is attempted once.
func (g *SubmissionGateway) Submit(ctx context.Context, in EvaluationInput) (*models.Evaluation, error) {
	if in.UserID == "" || in.EventID == "" || in.SampleID == "" {
		return nil, NewInvalidError("user_id, event_id and sample_id required")
	}
	sample, err := retryRead(ctx, g.retry, func() (*models.Sample, error) { return g.store.GetSample(ctx, in.SampleID) })
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, NewNotFoundError("sample not found")
	}
	pt, err := retryRead(ctx, g.retry, func() (*models.ProductType, error) { return g.store.GetProductType(ctx, sample.ProductTypeID) })
	if err != nil {
		return nil, err
	}
	if pt == nil || pt.EventID != in.EventID {
		return nil, NewInvalidError("sample does not belong to event")
	}
	ev, err := retryRead(ctx, g.retry, func() (*models.Event, error) { return g.store.GetEvent(ctx, in.EventID) })
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	if ev.Status != models.EventActive {
		return nil, newConflict(ErrEventNotActive, "error.event_not_active", "event is not accepting evaluations")
	}
	if err := ValidateRatings(in.Hedonic, in.JAR, pt.JARAttributes); err != nil {
		return nil, err
	}

	now := g.now()
	row := &models.Evaluation{
		ID:            g.idGen(),
		UserID:        in.UserID,
		SampleID:      in.SampleID,
		ProductTypeID: pt.ID,
		EventID:       in.EventID,
		Hedonic:       in.Hedonic,
		JAR:           copyJAR(in.JAR),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.store.InsertEvaluation(ctx, row); err != nil {
		g.log.Info("evaluation rejected", "user_id", in.UserID, "sample_id", in.SampleID, "error", err)
		return nil, err
	}
	g.log.Info("evaluation stored", "evaluation_id", row.ID, "user_id", in.UserID, "sample_id", in.SampleID)
	return row, nil
}

// Override replaces the ratings of a stored evaluation on behalf of an
// administrator. The previous values are kept as a revision.
func (g *SubmissionGateway) Override(ctx context.Context, actor, evaluationID, reason string, hedonic models.HedonicScores, jar map[string]int) (*models.Evaluation, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, NewInvalidError("reason required")
	}
	current, err := retryRead(ctx, g.retry, func() (*models.Evaluation, error) { return g.store.GetEvaluation(ctx, evaluationID) })
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, NewNotFoundError("evaluation not found")
	}
	pt, err := retryRead(ctx, g.retry, func() (*models.ProductType, error) { return g.store.GetProductType(ctx, current.ProductTypeID) })
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return nil, NewNotFoundError("product type not found")
	}
	if err := ValidateRatings(hedonic, jar, pt.JARAttributes); err != nil {
		return nil, err
	}
	now := g.now()
	rev := &models.EvaluationRevision{
		ID:              g.idGen(),
		EvaluationID:    current.ID,
		Actor:           actor,
		Reason:          strings.TrimSpace(reason),
		PreviousHedonic: current.Hedonic,
		PreviousJAR:     copyJAR(current.JAR),
		RevisedAt:       now,
	}
	updated := *current
	updated.Hedonic = hedonic
	updated.JAR = copyJAR(jar)
	updated.UpdatedAt = now
	if err := g.store.ReviseEvaluation(ctx, &updated, rev); err != nil {
		return nil, err
	}
	if err := g.store.AddAudit(ctx, models.AuditEntry{Time: now, Actor: actor, Action: "evaluation.override", Target: current.ID, Note: rev.Reason}); err != nil {
		g.log.Warn("audit write failed", "action", "evaluation.override", "error", err)
	}
	return &updated, nil
}

func (g *SubmissionGateway) ListRevisions(ctx context.Context, evaluationID string) ([]*models.EvaluationRevision, error) {
	return retryRead(ctx, g.retry, func() ([]*models.EvaluationRevision, error) { return g.store.ListRevisions(ctx, evaluationID) })
}

// ListByEvent returns every stored evaluation of an event, oldest first.
func (g *SubmissionGateway) ListByEvent(ctx context.Context, eventID string) ([]*models.Evaluation, error) {
	return retryRead(ctx, g.retry, func() ([]*models.Evaluation, error) { return g.store.ListEvaluationsByEvent(ctx, eventID) })
}

// ValidateRatings checks hedonic scores against 1..9 and requires a 1..5 JAR
// rating for exactly the configured attributes.
func ValidateRatings(h models.HedonicScores, jar map[string]int, attrs []models.JARAttribute) error {
	fields := map[string]string{}
	for _, f := range h.Fields() {
		if f.Value < models.HedonicMin || f.Value > models.HedonicMax {
			fields["hedonic."+f.Name] = fmt.Sprintf("must be between %d and %d", models.HedonicMin, models.HedonicMax)
		}
	}
	configured := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		configured[a.ID] = struct{}{}
		v, ok := jar[a.ID]
		switch {
		case !ok:
			fields["jar."+a.ID] = "missing"
		case v < models.JARMin || v > models.JARMax:
			fields["jar."+a.ID] = fmt.Sprintf("must be between %d and %d", models.JARMin, models.JARMax)
		}
	}
	for id := range jar {
		if _, ok := configured[id]; !ok {
			fields["jar."+id] = "unknown attribute"
		}
	}
	if len(fields) > 0 {
		return NewValidationError(fields)
	}
	return nil
}

func copyJAR(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
