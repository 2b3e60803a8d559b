package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

// EventStore abstracts persistence operations required by EventService.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context) ([]*models.Event, error)
	// UpdateEventStatus moves the event only if it is still in from. It
	// reports false when another writer changed the status first.
	UpdateEventStatus(ctx context.Context, id string, from, to models.EventStatus) (bool, error)
	CreateProductType(ctx context.Context, pt *models.ProductType) error
	GetProductType(ctx context.Context, id string) (*models.ProductType, error)
	ListProductTypes(ctx context.Context, eventID string) ([]*models.ProductType, error)
	AddSample(ctx context.Context, s *models.Sample) error
	GetSample(ctx context.Context, id string) (*models.Sample, error)
	ListSamples(ctx context.Context, productTypeID string) ([]*models.Sample, error)
	SetSampleHidden(ctx context.Context, id string, hidden bool) error
	DeleteSample(ctx context.Context, id string) error
	GetRandomization(ctx context.Context, productTypeID string) (*models.RandomizationTable, error)
	// ActivateEvent re-reads every product type, table and sample set and
	// moves the event from `from` to active in one transaction, unless verify
	// fails. It returns false when the event is no longer in `from`.
	ActivateEvent(ctx context.Context, id string, from models.EventStatus, verify func([]ActivationItem) error) (bool, error)
	AddAudit(ctx context.Context, entry models.AuditEntry) error
}

type EventService struct {
	store     EventStore
	log       *logger.Logger
	positions int
	retry     ReadRetry
	now       func() time.Time
	idGen     func() string
}

func NewEventService(store EventStore, log *logger.Logger, positions int) *EventService {
	return &EventService{
		store:     store,
		log:       log.With("service", "EventService"),
		positions: positions,
		retry:     DefaultReadRetry,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
	}
}

func (s *EventService) CreateEvent(ctx context.Context, actor, name, date string) (*models.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewInvalidError("name required")
	}
	if date != "" {
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return nil, NewInvalidError("date must be YYYY-MM-DD")
		}
	}
	ev := &models.Event{ID: s.idGen(), Name: name, Date: date, Status: models.EventPreparation, CreatedAt: s.now()}
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "event.create", ev.ID, name)
	return ev, nil
}

func (s *EventService) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, err := retryRead(ctx, s.retry, func() (*models.Event, error) { return s.store.GetEvent(ctx, id) })
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	return ev, nil
}

func (s *EventService) ListEvents(ctx context.Context) ([]*models.Event, error) {
	return retryRead(ctx, s.retry, func() ([]*models.Event, error) { return s.store.ListEvents(ctx) })
}

// CreateProductType adds a product type with its JAR attributes, in the order
// given, to an event in preparation.
func (s *EventService) CreateProductType(ctx context.Context, actor, eventID, name string, displayOrder int, jarNames []string) (*models.ProductType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewInvalidError("name required")
	}
	if _, err := s.editableEvent(ctx, eventID); err != nil {
		return nil, err
	}
	pt := &models.ProductType{ID: s.idGen(), EventID: eventID, Name: name, DisplayOrder: displayOrder}
	seen := map[string]bool{}
	for _, raw := range jarNames {
		n := strings.TrimSpace(raw)
		if n == "" {
			continue
		}
		if seen[strings.ToLower(n)] {
			return nil, NewInvalidError("duplicate JAR attribute " + n)
		}
		seen[strings.ToLower(n)] = true
		pt.JARAttributes = append(pt.JARAttributes, models.JARAttribute{
			ID:            s.idGen(),
			ProductTypeID: pt.ID,
			Name:          n,
			Position:      len(pt.JARAttributes) + 1,
		})
	}
	if err := s.store.CreateProductType(ctx, pt); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "product_type.create", pt.ID, name)
	return pt, nil
}

func (s *EventService) GetProductType(ctx context.Context, id string) (*models.ProductType, error) {
	pt, err := retryRead(ctx, s.retry, func() (*models.ProductType, error) { return s.store.GetProductType(ctx, id) })
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return nil, NewNotFoundError("product type not found")
	}
	return pt, nil
}

func (s *EventService) ListProductTypes(ctx context.Context, eventID string) ([]*models.ProductType, error) {
	pts, err := retryRead(ctx, s.retry, func() ([]*models.ProductType, error) { return s.store.ListProductTypes(ctx, eventID) })
	if err != nil {
		return nil, err
	}
	models.SortProductTypes(pts)
	return pts, nil
}

func (s *EventService) AddSample(ctx context.Context, actor, productTypeID, brand, retailerCode string) (*models.Sample, error) {
	brand = strings.TrimSpace(brand)
	retailerCode = strings.TrimSpace(retailerCode)
	if brand == "" {
		return nil, NewInvalidError("brand required")
	}
	pt, err := s.GetProductType(ctx, productTypeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.editableEvent(ctx, pt.EventID); err != nil {
		return nil, err
	}
	existing, err := retryRead(ctx, s.retry, func() ([]*models.Sample, error) { return s.store.ListSamples(ctx, productTypeID) })
	if err != nil {
		return nil, err
	}
	pos := 1
	for _, e := range existing {
		if e.Position >= pos {
			pos = e.Position + 1
		}
	}
	sample := &models.Sample{ID: s.idGen(), ProductTypeID: productTypeID, Brand: brand, RetailerCode: retailerCode, Position: pos}
	if err := s.store.AddSample(ctx, sample); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "sample.add", sample.ID, brand)
	return sample, nil
}

func (s *EventService) ListSamples(ctx context.Context, productTypeID string) ([]*models.Sample, error) {
	samples, err := retryRead(ctx, s.retry, func() ([]*models.Sample, error) { return s.store.ListSamples(ctx, productTypeID) })
	if err != nil {
		return nil, err
	}
	models.SortSamples(samples)
	return samples, nil
}

// SetSampleHidden only affects reporting and is allowed in any event status.
func (s *EventService) SetSampleHidden(ctx context.Context, actor, sampleID string, hidden bool) error {
	sample, err := retryRead(ctx, s.retry, func() (*models.Sample, error) { return s.store.GetSample(ctx, sampleID) })
	if err != nil {
		return err
	}
	if sample == nil {
		return NewNotFoundError("sample not found")
	}
	if err := s.store.SetSampleHidden(ctx, sampleID, hidden); err != nil {
		return err
	}
	note := "shown"
	if hidden {
		note = "hidden"
	}
	s.audit(ctx, actor, "sample.visibility", sampleID, note)
	return nil
}

func (s *EventService) DeleteSample(ctx context.Context, actor, sampleID string) error {
	sample, err := retryRead(ctx, s.retry, func() (*models.Sample, error) { return s.store.GetSample(ctx, sampleID) })
	if err != nil {
		return err
	}
	if sample == nil {
		return NewNotFoundError("sample not found")
	}
	pt, err := s.GetProductType(ctx, sample.ProductTypeID)
	if err != nil {
		return err
	}
	if _, err := s.editableEvent(ctx, pt.EventID); err != nil {
		return err
	}
	if err := s.store.DeleteSample(ctx, sampleID); err != nil {
		return err
	}
	s.audit(ctx, actor, "sample.delete", sampleID, sample.Brand)
	return nil
}

// UpdateStatus moves the event along its state machine. Activation requires
// every product type to carry a randomization that covers its current
// samples and the configured evaluator positions.
func (s *EventService) UpdateStatus(ctx context.Context, actor, eventID string, to models.EventStatus) (*models.Event, error) {
	ev, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(ev.Status, to) {
		return nil, newConflict(ErrInvalidTransition, "error.invalid_transition",
			"cannot move event from "+string(ev.Status)+" to "+string(to))
	}
	var ok bool
	if to == models.EventActive {
		// Coverage is verified inside the store transaction.
		ok, err = s.store.ActivateEvent(ctx, eventID, ev.Status, func(items []ActivationItem) error {
			return s.verifyActivation(eventID, items)
		})
	} else {
		ok, err = s.store.UpdateEventStatus(ctx, eventID, ev.Status, to)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newConflict(ErrInvalidTransition, "error.invalid_transition", "event status changed concurrently")
	}
	s.audit(ctx, actor, "event.status", eventID, string(ev.Status)+" -> "+string(to))
	s.log.Info("event status changed", "event_id", eventID, "from", ev.Status, "to", to)
	updated := *ev
	updated.Status = to
	return &updated, nil
}

// ActivationItem is one product type with its stored table and samples, as
// read by the activation transaction.
type ActivationItem struct {
	ProductType *models.ProductType
	Table       *models.RandomizationTable
	Samples     []*models.Sample
}

func (s *EventService) verifyActivation(eventID string, items []ActivationItem) error {
	if len(items) == 0 {
		return NewInvalidError("event has no product types")
	}
	var missing []string
	for _, it := range items {
		if len(it.Samples) == 0 {
			return NewEmptySampleSetError(it.ProductType.ID)
		}
		if !RandomizationCovers(it.Table, it.Samples, s.positions) {
			missing = append(missing, it.ProductType.ID)
		}
	}
	if len(missing) > 0 {
		s.log.Warn("activation refused", "event_id", eventID, "product_types", missing)
		return NewRandomizationMissingError(missing...)
	}
	return nil
}

func (s *EventService) editableEvent(ctx context.Context, eventID string) (*models.Event, error) {
	ev, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != models.EventPreparation {
		return nil, NewEventNotEditableError()
	}
	return ev, nil
}

func (s *EventService) audit(ctx context.Context, actor, action, target, note string) {
	if err := s.store.AddAudit(ctx, models.AuditEntry{Time: s.now(), Actor: actor, Action: action, Target: target, Note: note}); err != nil {
		s.log.Warn("audit write failed", "action", action, "error", err)
	}
}
