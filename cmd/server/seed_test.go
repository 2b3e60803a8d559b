package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Sensora/internal/config"
	"github.com/soaringjerry/Sensora/internal/logger"
	"github.com/soaringjerry/Sensora/internal/models"
)

const fixture = `
users:
  - email: admin@example.com
    password: admin-pass
    role: admin
  - email: panel1@example.com
    password: panel-pass
    position: 1
events:
  - name: Autumn panel
    date: "2026-10-20"
    randomize: true
    activate: true
    product_types:
      - name: Yogurt
        display_order: 1
        jar_attributes: [Sweetness, Acidity]
        samples:
          - {brand: Alpha, retailer_code: R1}
          - {brand: Beta, retailer_code: R2}
      - name: Cheese
        display_order: 2
        samples:
          - {brand: Gamma, retailer_code: R3}
`

func testApp(t *testing.T) *app {
	t.Helper()
	c, err := config.LoadFrom(map[string]string{
		"SENSORA_SQLITE_PATH":         filepath.Join(t.TempDir(), "seed.db"),
		"SENSORA_EVALUATOR_POSITIONS": "3",
	})
	require.NoError(t, err)
	a, err := openApp(context.Background(), c, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestApplySeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
	sf, err := loadSeed(path)
	require.NoError(t, err)
	require.Len(t, sf.Events, 1)
	assert.Equal(t, []string{"Sweetness", "Acidity"}, sf.Events[0].ProductTypes[0].JARAttributes)

	ctx := context.Background()
	a := testApp(t)
	sum, err := applySeed(ctx, a, sf, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, seedSummary{users: 2, events: 1, samples: 3}, sum)

	evs, err := a.events.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventActive, evs[0].Status)

	res, err := a.users.Login(ctx, "panel1@example.com", "panel-pass")
	require.NoError(t, err)
	assert.Equal(t, models.RoleEvaluator, res.Role)
	assert.Equal(t, 1, res.Position)

	// Users are skipped on a second run; events are added again.
	sum, err = applySeed(ctx, a, sf, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.users)
}

func TestSeedActivateNeedsRandomize(t *testing.T) {
	a := testApp(t)
	sf := &seedFile{Events: []seedEvent{{
		Name:         "Bad",
		Activate:     true,
		ProductTypes: []seedProductType{{Name: "Juice", Samples: []seedSample{{Brand: "X"}}}},
	}}}
	_, err := applySeed(context.Background(), a, sf, logger.NewNop())
	assert.Error(t, err)
}

func TestLoadSeedRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [\n"), 0o600))
	_, err := loadSeed(path)
	assert.Error(t, err)
}
