package services

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

// RandomizationStore abstracts persistence operations required by RandomizationService.
type RandomizationStore interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetProductType(ctx context.Context, id string) (*models.ProductType, error)
	ListSamples(ctx context.Context, productTypeID string) ([]*models.Sample, error)
	GetRandomization(ctx context.Context, productTypeID string) (*models.RandomizationTable, error)
	// CreateRandomization stores the table and the samples' blind codes in one
	// transaction. Without replace it fails with ErrAlreadyExists when a table
	// is present; with replace the old table is removed first.
	CreateRandomization(ctx context.Context, table *models.RandomizationTable, replace bool) error
	AddAudit(ctx context.Context, entry models.AuditEntry) error
}

type RandomizationService struct {
	store     RandomizationStore
	log       *logger.Logger
	positions int
	design    RandomizationDesign
	retry     ReadRetry
	now       func() time.Time
	newRand   func() *rand.Rand
	inflight  singleflight.Group
}

func NewRandomizationService(store RandomizationStore, log *logger.Logger, positions int, design RandomizationDesign) *RandomizationService {
	return &RandomizationService{
		store:     store,
		log:       log.With("service", "RandomizationService"),
		positions: positions,
		design:    design,
		retry:     DefaultReadRetry,
		now:       func() time.Time { return time.Now().UTC() },
		newRand:   func() *rand.Rand { return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) },
	}
}

func (s *RandomizationService) Positions() int { return s.positions }

// Generate builds and stores the randomization of a product type. Concurrent
// calls for the same product type within this process share one build.
func (s *RandomizationService) Generate(ctx context.Context, actor, productTypeID string, replace bool) (*models.RandomizationTable, error) {
	if productTypeID == "" {
		return nil, NewInvalidError("product_type_id required")
	}
	key := productTypeID + ":" + strconv.FormatBool(replace)
	v, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		return s.generate(ctx, actor, productTypeID, replace)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.RandomizationTable), nil
}

func (s *RandomizationService) generate(ctx context.Context, actor, productTypeID string, replace bool) (*models.RandomizationTable, error) {
	pt, err := retryRead(ctx, s.retry, func() (*models.ProductType, error) { return s.store.GetProductType(ctx, productTypeID) })
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return nil, NewNotFoundError("product type not found")
	}
	ev, err := retryRead(ctx, s.retry, func() (*models.Event, error) { return s.store.GetEvent(ctx, pt.EventID) })
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, NewNotFoundError("event not found")
	}
	if ev.Status != models.EventPreparation {
		return nil, NewEventNotEditableError()
	}
	if !replace {
		existing, err := retryRead(ctx, s.retry, func() (*models.RandomizationTable, error) { return s.store.GetRandomization(ctx, productTypeID) })
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, NewAlreadyExistsError(productTypeID)
		}
	}
	samples, err := retryRead(ctx, s.retry, func() ([]*models.Sample, error) { return s.store.ListSamples(ctx, productTypeID) })
	if err != nil {
		return nil, err
	}
	table, err := BuildRandomization(productTypeID, samples, s.positions, BuildOptions{
		Design: s.design,
		Rand:   s.newRand(),
		Now:    s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRandomization(ctx, table, replace); err != nil {
		return nil, err
	}
	action := "randomization.generate"
	if replace {
		action = "randomization.replace"
	}
	if err := s.store.AddAudit(ctx, models.AuditEntry{Time: s.now(), Actor: actor, Action: action, Target: productTypeID,
		Note: strconv.Itoa(len(samples)) + " samples, design " + table.Design}); err != nil {
		s.log.Warn("audit write failed", "action", action, "error", err)
	}
	s.log.Info("randomization stored", "product_type_id", productTypeID, "samples", len(samples), "positions", s.positions, "replace", replace)
	return table, nil
}

func (s *RandomizationService) Get(ctx context.Context, productTypeID string) (*models.RandomizationTable, error) {
	table, err := retryRead(ctx, s.retry, func() (*models.RandomizationTable, error) { return s.store.GetRandomization(ctx, productTypeID) })
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, NewRandomizationMissingError(productTypeID)
	}
	return table, nil
}

func (s *RandomizationService) HasRandomization(ctx context.Context, productTypeID string) (bool, error) {
	table, err := retryRead(ctx, s.retry, func() (*models.RandomizationTable, error) { return s.store.GetRandomization(ctx, productTypeID) })
	if err != nil {
		return false, err
	}
	return table != nil, nil
}
