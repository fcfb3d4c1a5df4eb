package violation_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace-labs/coldtrace/core/pkg/violation"
)

func TestCatalog_BuiltinAndFallback(t *testing.T) {
	c := violation.NewCatalog()

	p, err := c.GetProfile("apple")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, p.Temperature.Max, 1e-9)

	// Lookup is case-insensitive.
	p, err = c.GetProfile("  Lettuce ")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, p.Temperature.Max, 1e-9)

	// Unknown product types fall back to the generic chilled profile.
	p, err = c.GetProfile("durian")
	require.NoError(t, err)
	assert.Equal(t, violation.DefaultProfile.Temperature, p.Temperature)
}

func TestCatalog_LoadProfilesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `
profiles:
  - product_type: apple
    temperature: {min: 0, max: 3}
    humidity: {min: 90, max: 95}
  - product_type: kiwi
    temperature: {min: -0.5, max: 0}
    humidity: {min: 90, max: 95}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c := violation.NewCatalog()
	require.NoError(t, c.LoadProfiles(path))

	p, err := c.GetProfile("apple")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, p.Temperature.Max, 1e-9)

	p, err = c.GetProfile("kiwi")
	require.NoError(t, err)
	assert.InDelta(t, -0.5, p.Temperature.Min, 1e-9)
}

func TestCatalog_MergeRejectsInvertedRange(t *testing.T) {
	c := violation.NewCatalog()
	err := c.Merge([]violation.Profile{{
		ProductType: "apple",
		Temperature: violation.Range{Min: 5, Max: 1},
	}})
	assert.Error(t, err)
}
