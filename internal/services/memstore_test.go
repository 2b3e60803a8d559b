package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

// memStore is an in-memory implementation of every store interface of the
// package. Returned values are copies.
type memStore struct {
	mu           sync.Mutex
	events       map[string]*models.Event
	productTypes map[string]*models.ProductType
	samples      map[string]*models.Sample
	tables       map[string]*models.RandomizationTable
	evaluations  map[string]*models.Evaluation
	revisions    []*models.EvaluationRevision
	acks         map[string]map[string]time.Time
	audit        []models.AuditEntry

	// insertHook runs inside InsertEvaluation before the uniqueness check.
	insertHook func()
	// listEvalsOverride replaces ListEvaluationsByUser results when set.
	listEvalsOverride func(eventID, userID string) []*models.Evaluation
	// listSamplesHook runs at the end of ListSamples, outside the lock.
	listSamplesHook func()
}

func newMemStore() *memStore {
	return &memStore{
		events:       map[string]*models.Event{},
		productTypes: map[string]*models.ProductType{},
		samples:      map[string]*models.Sample{},
		tables:       map[string]*models.RandomizationTable{},
		evaluations:  map[string]*models.Evaluation{},
		acks:         map[string]map[string]time.Time{},
	}
}

func (m *memStore) CreateEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *ev
	m.events[ev.ID] = &copy
	return nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		copy := *ev
		return &copy, nil
	}
	return nil, nil
}

func (m *memStore) ListEvents(_ context.Context) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Event, 0, len(m.events))
	for _, ev := range m.events {
		copy := *ev
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateEventStatus(_ context.Context, id string, from, to models.EventStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Status != from {
		return false, nil
	}
	ev.Status = to
	return true, nil
}

// preparationLocked mirrors the in-transaction status guard of the SQL
// store. Callers hold m.mu.
func (m *memStore) preparationLocked(productTypeID string) error {
	pt, ok := m.productTypes[productTypeID]
	if !ok {
		return NewNotFoundError("product type not found")
	}
	if ev, ok := m.events[pt.EventID]; !ok || ev.Status != models.EventPreparation {
		return NewEventNotEditableError()
	}
	return nil
}

func (m *memStore) ActivateEvent(_ context.Context, id string, from models.EventStatus, verify func([]ActivationItem) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.Status != from {
		return false, nil
	}
	var pts []*models.ProductType
	for _, pt := range m.productTypes {
		if pt.EventID == id {
			copy := *pt
			pts = append(pts, &copy)
		}
	}
	models.SortProductTypes(pts)
	items := make([]ActivationItem, 0, len(pts))
	for _, pt := range pts {
		item := ActivationItem{ProductType: pt, Table: m.tables[pt.ID]}
		for _, smp := range m.samples {
			if smp.ProductTypeID == pt.ID {
				copy := *smp
				item.Samples = append(item.Samples, &copy)
			}
		}
		models.SortSamples(item.Samples)
		items = append(items, item)
	}
	if err := verify(items); err != nil {
		return false, err
	}
	ev.Status = models.EventActive
	return true, nil
}

func (m *memStore) CreateProductType(_ context.Context, pt *models.ProductType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[pt.EventID]; !ok || ev.Status != models.EventPreparation {
		return NewEventNotEditableError()
	}
	copy := *pt
	copy.JARAttributes = append([]models.JARAttribute(nil), pt.JARAttributes...)
	m.productTypes[pt.ID] = &copy
	return nil
}

func (m *memStore) GetProductType(_ context.Context, id string) (*models.ProductType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pt, ok := m.productTypes[id]; ok {
		copy := *pt
		copy.JARAttributes = append([]models.JARAttribute(nil), pt.JARAttributes...)
		return &copy, nil
	}
	return nil, nil
}

func (m *memStore) ListProductTypes(_ context.Context, eventID string) ([]*models.ProductType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ProductType
	for _, pt := range m.productTypes {
		if pt.EventID == eventID {
			copy := *pt
			copy.JARAttributes = append([]models.JARAttribute(nil), pt.JARAttributes...)
			out = append(out, &copy)
		}
	}
	models.SortProductTypes(out)
	return out, nil
}

func (m *memStore) AddSample(_ context.Context, s *models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.preparationLocked(s.ProductTypeID); err != nil {
		return err
	}
	copy := *s
	m.samples[s.ID] = &copy
	return nil
}

func (m *memStore) GetSample(_ context.Context, id string) (*models.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.samples[id]; ok {
		copy := *s
		return &copy, nil
	}
	return nil, nil
}

func (m *memStore) ListSamples(_ context.Context, productTypeID string) ([]*models.Sample, error) {
	m.mu.Lock()
	var out []*models.Sample
	for _, s := range m.samples {
		if s.ProductTypeID == productTypeID {
			copy := *s
			out = append(out, &copy)
		}
	}
	hook := m.listSamplesHook
	m.mu.Unlock()
	models.SortSamples(out)
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memStore) SetSampleHidden(_ context.Context, id string, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.samples[id]; ok {
		s.HiddenFromReports = hidden
	}
	return nil
}

func (m *memStore) DeleteSample(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	smp, ok := m.samples[id]
	if !ok {
		return nil
	}
	if err := m.preparationLocked(smp.ProductTypeID); err != nil {
		return err
	}
	delete(m.samples, id)
	return nil
}

func (m *memStore) GetRandomization(_ context.Context, productTypeID string) (*models.RandomizationTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[productTypeID]; ok {
		return t, nil
	}
	return nil, nil
}

func (m *memStore) CreateRandomization(_ context.Context, table *models.RandomizationTable, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.preparationLocked(table.ProductTypeID); err != nil {
		return err
	}
	if _, exists := m.tables[table.ProductTypeID]; exists && !replace {
		return NewAlreadyExistsError(table.ProductTypeID)
	}
	m.tables[table.ProductTypeID] = table
	if seq, ok := table.Sequence(1); ok {
		for _, a := range seq {
			if s, ok := m.samples[a.SampleID]; ok {
				s.BlindCode = a.BlindCode
			}
		}
	}
	return nil
}

func (m *memStore) InsertEvaluation(_ context.Context, ev *models.Evaluation) error {
	if m.insertHook != nil {
		m.insertHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.evaluations {
		if e.UserID == ev.UserID && e.SampleID == ev.SampleID {
			return NewDuplicateEvaluationError(ev.UserID, ev.SampleID)
		}
	}
	copy := *ev
	copy.JAR = copyJAR(ev.JAR)
	m.evaluations[ev.ID] = &copy
	return nil
}

func (m *memStore) GetEvaluation(_ context.Context, id string) (*models.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.evaluations[id]; ok {
		copy := *e
		copy.JAR = copyJAR(e.JAR)
		return &copy, nil
	}
	return nil, nil
}

func (m *memStore) ReviseEvaluation(_ context.Context, ev *models.Evaluation, rev *models.EvaluationRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evaluations[ev.ID]; !ok {
		return NewNotFoundError("evaluation not found")
	}
	copy := *ev
	m.evaluations[ev.ID] = &copy
	r := *rev
	m.revisions = append(m.revisions, &r)
	return nil
}

func (m *memStore) ListRevisions(_ context.Context, evaluationID string) ([]*models.EvaluationRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EvaluationRevision
	for _, r := range m.revisions {
		if r.EvaluationID == evaluationID {
			copy := *r
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (m *memStore) ListEvaluationsByUser(_ context.Context, eventID, userID string) ([]*models.Evaluation, error) {
	if m.listEvalsOverride != nil {
		return m.listEvalsOverride(eventID, userID), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Evaluation
	for _, e := range m.evaluations {
		if e.EventID == eventID && e.UserID == userID {
			copy := *e
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListEvaluationsByEvent(_ context.Context, eventID string) ([]*models.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Evaluation
	for _, e := range m.evaluations {
		if e.EventID == eventID {
			copy := *e
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountSamplesByEvent(_ context.Context, eventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.samples {
		if pt, ok := m.productTypes[s.ProductTypeID]; ok && pt.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListRevealAcks(_ context.Context, userID, eventID string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]time.Time{}
	for ptID, at := range m.acks[userID] {
		if pt, ok := m.productTypes[ptID]; ok && pt.EventID == eventID {
			out[ptID] = at
		}
	}
	return out, nil
}

func (m *memStore) AddRevealAck(_ context.Context, ack *models.RevealAck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acks[ack.UserID] == nil {
		m.acks[ack.UserID] = map[string]time.Time{}
	}
	if _, ok := m.acks[ack.UserID][ack.ProductTypeID]; !ok {
		m.acks[ack.UserID][ack.ProductTypeID] = ack.AcknowledgedAt
	}
	return nil
}

func (m *memStore) AddAudit(_ context.Context, entry models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, a := range m.audit {
		out = append(out, a.Action)
	}
	return out
}

func (m *memStore) evaluationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.evaluations)
}

// panelFixture is an event with a Yogurt product type (3 samples, two JAR
// attributes) shown before a Cheese product type (2 samples, no JAR), both
// randomized for 12 evaluator positions.
type panelFixture struct {
	store  *memStore
	event  *models.Event
	yogurt *models.ProductType
	cheese *models.ProductType
}

const fixturePositions = 12

func newPanelFixture(t *testing.T, status models.EventStatus) *panelFixture {
	t.Helper()
	ctx := context.Background()
	store := newMemStore()
	ev := &models.Event{ID: "ev1", Name: "Autumn panel", Status: models.EventPreparation, CreatedAt: time.Unix(0, 0).UTC()}
	_ = store.CreateEvent(ctx, ev)
	yogurt := &models.ProductType{ID: "yogurt", EventID: ev.ID, Name: "Yogurt", DisplayOrder: 1, JARAttributes: []models.JARAttribute{
		{ID: "jar-sweet", ProductTypeID: "yogurt", Name: "Sweetness", Position: 1},
		{ID: "jar-acid", ProductTypeID: "yogurt", Name: "Acidity", Position: 2},
	}}
	cheese := &models.ProductType{ID: "cheese", EventID: ev.ID, Name: "Cheese", DisplayOrder: 2}
	_ = store.CreateProductType(ctx, yogurt)
	_ = store.CreateProductType(ctx, cheese)
	for i, pt := range []*models.ProductType{yogurt, cheese} {
		samples := makeSamples(pt.ID, 3-i)
		for _, s := range samples {
			_ = store.AddSample(ctx, s)
		}
		table, err := BuildRandomization(pt.ID, samples, fixturePositions, BuildOptions{Rand: seeded(uint64(i + 1))})
		if err != nil {
			t.Fatalf("BuildRandomization(%s) returned error: %v", pt.ID, err)
		}
		if err := store.CreateRandomization(ctx, table, false); err != nil {
			t.Fatalf("CreateRandomization(%s) returned error: %v", pt.ID, err)
		}
	}
	store.events[ev.ID].Status = status
	ev.Status = status
	return &panelFixture{store: store, event: ev, yogurt: yogurt, cheese: cheese}
}

func (f *panelFixture) sequence(t *testing.T, ptID string, position int) []models.Assignment {
	t.Helper()
	seq, ok := f.store.tables[ptID].Sequence(position)
	if !ok {
		t.Fatalf("no sequence for %s position %d", ptID, position)
	}
	return seq
}

func goodScores() models.HedonicScores {
	return models.HedonicScores{Appearance: 7, Odor: 6, Texture: 8, Flavor: 7, Overall: 7}
}

func goodJAR(pt *models.ProductType) map[string]int {
	out := map[string]int{}
	for _, a := range pt.JARAttributes {
		out[a.ID] = 3
	}
	return out
}

func nopLogger() *logger.Logger { return logger.NewNop() }

func sampleIDs(seq []models.Assignment) []string {
	out := make([]string, len(seq))
	for i, a := range seq {
		out[i] = a.SampleID
	}
	return out
}
