package models

import (
	"sort"
	"time"
)

// Rating bounds for the two scales collected per sample.
const (
	HedonicMin = 1
	HedonicMax = 9
	JARMin     = 1
	JARMax     = 5
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleEvaluator Role = "evaluator"
)

// User is either an administrator or a panel evaluator. Evaluators sit at a
// fixed position of the roster (1..N); admins carry position 0.
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	PassHash          []byte    `json:"-"`
	Role              Role      `json:"role"`
	EvaluatorPosition int       `json:"evaluator_position,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type EventStatus string

const (
	EventPreparation EventStatus = "preparation"
	EventActive      EventStatus = "active"
	EventCompleted   EventStatus = "completed"
	EventArchived    EventStatus = "archived"
)

// ValidEventTransitions lists the allowed status moves of an event.
var ValidEventTransitions = map[EventStatus][]EventStatus{
	EventPreparation: {EventActive},
	EventActive:      {EventCompleted},
	EventCompleted:   {EventArchived},
	EventArchived:    {EventCompleted},
}

// CanTransition reports whether an event may move from one status to another.
func CanTransition(from, to EventStatus) bool {
	for _, next := range ValidEventTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Event is one tasting session.
type Event struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Date      string      `json:"date,omitempty"`
	Status    EventStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

type JARAttribute struct {
	ID            string `json:"id"`
	ProductTypeID string `json:"product_type_id"`
	Name          string `json:"name"`
	Position      int    `json:"position"`
}

// ProductType groups the samples of one product category within an event.
type ProductType struct {
	ID            string         `json:"id"`
	EventID       string         `json:"event_id"`
	Name          string         `json:"name"`
	DisplayOrder  int            `json:"display_order"`
	JARAttributes []JARAttribute `json:"jar_attributes"`
}

// SortProductTypes orders product types by display order, then id.
func SortProductTypes(pts []*ProductType) {
	sort.SliceStable(pts, func(i, j int) bool {
		if pts[i].DisplayOrder != pts[j].DisplayOrder {
			return pts[i].DisplayOrder < pts[j].DisplayOrder
		}
		return pts[i].ID < pts[j].ID
	})
}

// Sample is one product under evaluation. BlindCode is empty until the
// product type has been randomized.
type Sample struct {
	ID                string `json:"id"`
	ProductTypeID     string `json:"product_type_id"`
	Brand             string `json:"brand"`
	RetailerCode      string `json:"retailer_code"`
	BlindCode         string `json:"blind_code,omitempty"`
	HiddenFromReports bool   `json:"hidden_from_reports"`
	Position          int    `json:"position"`
}

// SortSamples orders samples by their position within the product type, then id.
func SortSamples(samples []*Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Position != samples[j].Position {
			return samples[i].Position < samples[j].Position
		}
		return samples[i].ID < samples[j].ID
	})
}

type Assignment struct {
	SampleID          string `json:"sample_id"`
	BlindCode         string `json:"blind_code"`
	PresentationOrder int    `json:"presentation_order"`
}

// RandomizationTable assigns each evaluator position its own presentation
// order of the product type's samples. Tables are replaced whole, never patched.
type RandomizationTable struct {
	ProductTypeID string               `json:"product_type_id"`
	Design        string               `json:"design"`
	SampleIDs     []string             `json:"sample_ids"`
	Evaluators    map[int][]Assignment `json:"evaluators"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Sequence returns the evaluator's assignments sorted by presentation order.
func (t *RandomizationTable) Sequence(position int) ([]Assignment, bool) {
	if t == nil {
		return nil, false
	}
	seq, ok := t.Evaluators[position]
	if !ok {
		return nil, false
	}
	out := append([]Assignment(nil), seq...)
	sort.Slice(out, func(i, j int) bool { return out[i].PresentationOrder < out[j].PresentationOrder })
	return out, true
}

// Positions returns the evaluator positions covered by the table, ascending.
func (t *RandomizationTable) Positions() []int {
	if t == nil {
		return nil
	}
	out := make([]int, 0, len(t.Evaluators))
	for p := range t.Evaluators {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

type HedonicScores struct {
	Appearance int `json:"appearance" yaml:"appearance"`
	Odor       int `json:"odor" yaml:"odor"`
	Texture    int `json:"texture" yaml:"texture"`
	Flavor     int `json:"flavor" yaml:"flavor"`
	Overall    int `json:"overall" yaml:"overall"`
}

// Fields returns the scores keyed by dimension name in a fixed order.
func (h HedonicScores) Fields() []NamedScore {
	return []NamedScore{
		{Name: "appearance", Value: h.Appearance},
		{Name: "odor", Value: h.Odor},
		{Name: "texture", Value: h.Texture},
		{Name: "flavor", Value: h.Flavor},
		{Name: "overall", Value: h.Overall},
	}
}

type NamedScore struct {
	Name  string
	Value int
}

// Evaluation is one evaluator's ratings of one sample. At most one exists per
// (user, sample).
type Evaluation struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	SampleID      string         `json:"sample_id"`
	ProductTypeID string         `json:"product_type_id"`
	EventID       string         `json:"event_id"`
	Hedonic       HedonicScores  `json:"hedonic"`
	JAR           map[string]int `json:"jar"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EvaluationRevision preserves the values an administrative override replaced.
type EvaluationRevision struct {
	ID              string         `json:"id"`
	EvaluationID    string         `json:"evaluation_id"`
	Actor           string         `json:"actor"`
	Reason          string         `json:"reason"`
	PreviousHedonic HedonicScores  `json:"previous_hedonic"`
	PreviousJAR     map[string]int `json:"previous_jar"`
	RevisedAt       time.Time      `json:"revised_at"`
}

// RevealAck records that an evaluator moved past the reveal of a product type.
type RevealAck struct {
	UserID         string    `json:"user_id"`
	ProductTypeID  string    `json:"product_type_id"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

type AuditEntry struct {
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Note   string    `json:"note,omitempty"`
}
