package violation

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Range is an inclusive acceptable band for a measurement.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Profile holds the acceptable temperature and humidity bands for one
// product type. Immutable reference data.
type Profile struct {
	ProductType string `yaml:"product_type" json:"product_type"`
	Temperature Range  `yaml:"temperature" json:"temperature"`
	Humidity    Range  `yaml:"humidity" json:"humidity"`
}

// ProfileSource resolves a product type to its threshold profile.
type ProfileSource interface {
	GetProfile(productType string) (Profile, error)
}

// DefaultProfile covers product types without a dedicated entry: generic
// chilled goods.
var DefaultProfile = Profile{
	ProductType: "default",
	Temperature: Range{Min: 2, Max: 10},
	Humidity:    Range{Min: 85, Max: 95},
}

// builtinProfiles carries the stock cold-chain bands for common produce.
var builtinProfiles = []Profile{
	{ProductType: "apple", Temperature: Range{-1, 4}, Humidity: Range{90, 95}},
	{ProductType: "banana", Temperature: Range{13, 15}, Humidity: Range{85, 95}},
	{ProductType: "tomato", Temperature: Range{10, 13}, Humidity: Range{85, 95}},
	{ProductType: "mango", Temperature: Range{10, 13}, Humidity: Range{85, 90}},
	{ProductType: "potato", Temperature: Range{3, 10}, Humidity: Range{85, 95}},
	{ProductType: "carrot", Temperature: Range{0, 5}, Humidity: Range{90, 99}},
	{ProductType: "onion", Temperature: Range{0, 5}, Humidity: Range{65, 75}},
	{ProductType: "lettuce", Temperature: Range{0, 2}, Humidity: Range{95, 100}},
	{ProductType: "strawberry", Temperature: Range{0, 2}, Humidity: Range{90, 95}},
	{ProductType: "orange", Temperature: Range{3, 9}, Humidity: Range{85, 90}},
	{ProductType: "grape", Temperature: Range{-1, 2}, Humidity: Range{90, 95}},
	{ProductType: "broccoli", Temperature: Range{0, 2}, Humidity: Range{95, 100}},
	{ProductType: "cucumber", Temperature: Range{10, 13}, Humidity: Range{90, 95}},
}

// Catalog is an in-memory ProfileSource seeded with the builtin bands.
// Unknown product types fall back to DefaultProfile.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	fallback Profile
}

// NewCatalog returns a catalog with the builtin profiles.
func NewCatalog() *Catalog {
	c := &Catalog{
		profiles: make(map[string]Profile, len(builtinProfiles)),
		fallback: DefaultProfile,
	}
	for _, p := range builtinProfiles {
		c.profiles[p.ProductType] = p
	}
	return c
}

// GetProfile resolves a product type, case-insensitively.
func (c *Catalog) GetProfile(productType string) (Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[strings.ToLower(strings.TrimSpace(productType))]; ok {
		return p, nil
	}
	return c.fallback, nil
}

// Merge overlays profiles on top of the catalog, replacing entries for the
// same product type.
func (c *Catalog) Merge(profiles []Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range profiles {
		key := strings.ToLower(strings.TrimSpace(p.ProductType))
		if key == "" {
			return fmt.Errorf("violation: profile with empty product type")
		}
		if p.Temperature.Min > p.Temperature.Max || p.Humidity.Min > p.Humidity.Max {
			return fmt.Errorf("violation: profile %q has inverted range", key)
		}
		c.profiles[key] = p
	}
	return nil
}

// profileFile is the yaml shape for profile overrides.
type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles merges profile overrides from a yaml file into the catalog.
func (c *Catalog) LoadProfiles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("violation: read profiles %s: %w", path, err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("violation: parse profiles %s: %w", path, err)
	}
	return c.Merge(f.Profiles)
}
