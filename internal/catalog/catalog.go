// Package catalog holds the static configuration table: the set of named
// model configurations callers may request, each mapped to a backend target
// with a tier requirement and quota limits. The table is built once at
// startup and is read-only afterwards, so an unknown config id is always a
// hard error rather than a silent default.
package catalog

import (
	"fmt"
	"sort"

	"github.com/jmehdipour/key-broker/internal/config"
	"github.com/jmehdipour/key-broker/internal/model"
)

type Limits struct {
	RPM int   // requests per rolling minute
	TPM int64 // tokens per rolling minute
	RPD int   // requests per UTC day
}

type Entry struct {
	ConfigID     string
	TargetID     string
	RequiredTier model.Tier
	Limits       Limits
}

type Catalog struct {
	entries map[string]Entry
}

// Build validates the configured model rows and indexes them by config id.
func Build(rows []config.ModelConfig) (*Catalog, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("catalog: no models configured")
	}

	entries := make(map[string]Entry, len(rows))
	for _, r := range rows {
		if r.ConfigID == "" || r.TargetID == "" {
			return nil, fmt.Errorf("catalog: model entry missing config_id or target_id")
		}
		if _, dup := entries[r.ConfigID]; dup {
			return nil, fmt.Errorf("catalog: duplicate config id %q", r.ConfigID)
		}
		tier, ok := model.ParseTier(r.RequiredTier)
		if !ok {
			return nil, fmt.Errorf("catalog: model %q: invalid tier %q", r.ConfigID, r.RequiredTier)
		}
		if r.RPM <= 0 || r.TPM <= 0 || r.RPD <= 0 {
			return nil, fmt.Errorf("catalog: model %q: limits must be positive", r.ConfigID)
		}
		entries[r.ConfigID] = Entry{
			ConfigID:     r.ConfigID,
			TargetID:     r.TargetID,
			RequiredTier: tier,
			Limits:       Limits{RPM: r.RPM, TPM: r.TPM, RPD: r.RPD},
		}
	}
	return &Catalog{entries: entries}, nil
}

// Lookup resolves a caller-facing config id.
func (c *Catalog) Lookup(configID string) (Entry, bool) {
	e, ok := c.entries[configID]
	return e, ok
}

// Entries returns all entries sorted by config id, for listings.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}
