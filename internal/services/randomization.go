package services

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/soaringjerry/Sensora/internal/models"
)

type RandomizationDesign string

const (
	// DesignShuffle gives every evaluator an independent random permutation.
	DesignShuffle RandomizationDesign = "shuffle"
	// DesignWilliams cycles the rows of a Williams Latin square, balanced for
	// first-order carryover.
	DesignWilliams RandomizationDesign = "williams"
)

func ParseDesign(s string) (RandomizationDesign, error) {
	switch RandomizationDesign(strings.ToLower(strings.TrimSpace(s))) {
	case "", DesignShuffle:
		return DesignShuffle, nil
	case DesignWilliams:
		return DesignWilliams, nil
	default:
		return "", NewInvalidError("unknown randomization design " + s)
	}
}

// Blind codes are three-digit numbers visited in a fixed stride walk over
// 100..999. The stride is coprime with the span so the walk never repeats.
const (
	blindCodeMin    = 100
	blindCodeSpan   = 900
	blindCodeStride = 397
	blindCodeOffset = 137
)

type BuildOptions struct {
	Design RandomizationDesign
	Rand   *rand.Rand
	Now    time.Time
}

// BuildRandomization produces the presentation table for one product type.
// Every position in 1..positions receives each sample exactly once with a
// dense presentation order 1..K.
func BuildRandomization(productTypeID string, samples []*models.Sample, positions int, opts BuildOptions) (*models.RandomizationTable, error) {
	if len(samples) == 0 {
		return nil, NewEmptySampleSetError(productTypeID)
	}
	if positions < 1 {
		return nil, NewInvalidError("at least one evaluator position is required")
	}
	ordered := append([]*models.Sample(nil), samples...)
	models.SortSamples(ordered)

	codes, err := AssignBlindCodes(ordered)
	if err != nil {
		return nil, err
	}
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	design := opts.Design
	if design == "" {
		design = DesignShuffle
	}
	created := opts.Now
	if created.IsZero() {
		created = time.Now().UTC()
	}

	n := len(ordered)
	table := &models.RandomizationTable{
		ProductTypeID: productTypeID,
		Design:        string(design),
		SampleIDs:     make([]string, 0, n),
		Evaluators:    make(map[int][]models.Assignment, positions),
		CreatedAt:     created,
	}
	for _, s := range ordered {
		table.SampleIDs = append(table.SampleIDs, s.ID)
	}

	var rows [][]int
	var treatment []int
	if design == DesignWilliams {
		rows = williamsRows(n)
		treatment = r.Perm(n)
	}
	for pos := 1; pos <= positions; pos++ {
		var order []int
		switch design {
		case DesignWilliams:
			row := rows[(pos-1)%len(rows)]
			order = make([]int, n)
			for j, t := range row {
				order[j] = treatment[t]
			}
		case DesignShuffle:
			order = r.Perm(n)
		default:
			return nil, NewInvalidError("unknown randomization design " + string(design))
		}
		seq := make([]models.Assignment, n)
		for j, idx := range order {
			s := ordered[idx]
			seq[j] = models.Assignment{SampleID: s.ID, BlindCode: codes[s.ID], PresentationOrder: j + 1}
		}
		table.Evaluators[pos] = seq
	}
	return table, nil
}

// AssignBlindCodes derives a code for each sample from its position in the
// given order. Candidates sharing a substring with any brand or retailer code
// of the product type are skipped.
func AssignBlindCodes(ordered []*models.Sample) (map[string]string, error) {
	forbidden := make([]string, 0, 2*len(ordered))
	for _, s := range ordered {
		for _, v := range []string{s.Brand, s.RetailerCode} {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				forbidden = append(forbidden, v)
			}
		}
	}
	codes := make(map[string]string, len(ordered))
	k := 0
	for _, s := range ordered {
		code := ""
		for ; k < blindCodeSpan; k++ {
			candidate := strconv.Itoa(blindCodeMin + (blindCodeOffset+k*blindCodeStride)%blindCodeSpan)
			if !clashes(candidate, forbidden) {
				code = candidate
				k++
				break
			}
		}
		if code == "" {
			return nil, NewInvalidError("no blind code available that avoids brand and retailer labels")
		}
		codes[s.ID] = code
	}
	return codes, nil
}

func clashes(code string, forbidden []string) bool {
	for _, f := range forbidden {
		if strings.Contains(f, code) || strings.Contains(code, f) {
			return true
		}
	}
	return false
}

// williamsRows returns the carryover-balanced row orders for n treatments:
// n rows for even n, 2n for odd n (the square plus its mirror).
func williamsRows(n int) [][]int {
	first := make([]int, n)
	lo, hi := 1, n-1
	for i := 1; i < n; i++ {
		if i%2 == 1 {
			first[i] = lo
			lo++
		} else {
			first[i] = hi
			hi--
		}
	}
	rows := make([][]int, 0, 2*n)
	for r := 0; r < n; r++ {
		row := make([]int, n)
		for j, v := range first {
			row[j] = (v + r) % n
		}
		rows = append(rows, row)
	}
	if n%2 == 1 {
		for r := 0; r < n; r++ {
			mirror := make([]int, n)
			for j := range mirror {
				mirror[j] = rows[r][n-1-j]
			}
			rows = append(rows, mirror)
		}
	}
	return rows
}

// ValidateRandomization checks that every evaluator sequence is a permutation
// of the table's samples with a dense 1..K presentation order.
func ValidateRandomization(t *models.RandomizationTable) error {
	if t == nil {
		return NewRandomizationMissingError()
	}
	want := make(map[string]struct{}, len(t.SampleIDs))
	for _, id := range t.SampleIDs {
		want[id] = struct{}{}
	}
	if len(want) != len(t.SampleIDs) || len(want) == 0 {
		return fmt.Errorf("randomization %s: sample set is empty or has duplicates", t.ProductTypeID)
	}
	for pos, seq := range t.Evaluators {
		if len(seq) != len(want) {
			return fmt.Errorf("randomization %s: position %d has %d assignments, want %d", t.ProductTypeID, pos, len(seq), len(want))
		}
		seenSample := make(map[string]struct{}, len(seq))
		seenOrder := make(map[int]struct{}, len(seq))
		for _, a := range seq {
			if _, ok := want[a.SampleID]; !ok {
				return fmt.Errorf("randomization %s: position %d references unknown sample %s", t.ProductTypeID, pos, a.SampleID)
			}
			if _, dup := seenSample[a.SampleID]; dup {
				return fmt.Errorf("randomization %s: position %d repeats sample %s", t.ProductTypeID, pos, a.SampleID)
			}
			if a.PresentationOrder < 1 || a.PresentationOrder > len(seq) {
				return fmt.Errorf("randomization %s: position %d has order %d out of 1..%d", t.ProductTypeID, pos, a.PresentationOrder, len(seq))
			}
			if _, dup := seenOrder[a.PresentationOrder]; dup {
				return fmt.Errorf("randomization %s: position %d repeats order %d", t.ProductTypeID, pos, a.PresentationOrder)
			}
			seenSample[a.SampleID] = struct{}{}
			seenOrder[a.PresentationOrder] = struct{}{}
		}
	}
	return nil
}

// RandomizationCovers reports whether the table matches the current samples
// exactly and has a sequence for every evaluator position 1..positions.
func RandomizationCovers(t *models.RandomizationTable, samples []*models.Sample, positions int) bool {
	if t == nil || len(samples) == 0 || len(t.SampleIDs) != len(samples) {
		return false
	}
	current := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		current[s.ID] = struct{}{}
	}
	for _, id := range t.SampleIDs {
		if _, ok := current[id]; !ok {
			return false
		}
	}
	for pos := 1; pos <= positions; pos++ {
		if seq, ok := t.Evaluators[pos]; !ok || len(seq) != len(samples) {
			return false
		}
	}
	return ValidateRandomization(t) == nil
}
