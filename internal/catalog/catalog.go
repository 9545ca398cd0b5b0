// Package catalog holds the static ticket-type table: unit price and how many
// people one purchased unit admits. It is immutable after Load and safe to
// share across handlers.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownType = errors.New("unknown ticket type")

type Entry struct {
	Type          string `json:"type"`
	UnitPrice     int64  `json:"unitPrice"`
	PeoplePerUnit int    `json:"peoplePerUnit"`
}

// IsBundle reports whether one unit covers more than one person. Bundles are
// priced flat and sized flat: the requested quantity never scales them.
func (e Entry) IsBundle() bool {
	return e.PeoplePerUnit > 1
}

// Amount computes the charge for a purchase. Single-person types scale by
// quantity; bundles cost the flat unit price.
func (e Entry) Amount(quantity int) int64 {
	if quantity < 1 {
		quantity = 1
	}
	if e.IsBundle() {
		return e.UnitPrice
	}
	return e.UnitPrice * int64(quantity)
}

// BatchSize computes how many tickets a successful payment is owed.
func (e Entry) BatchSize(quantity int) int {
	if quantity < 1 {
		quantity = 1
	}
	if e.IsBundle() {
		return e.PeoplePerUnit
	}
	return quantity
}

type Catalog struct {
	entries map[string]Entry
}

// Default is the built-in table used when no CATALOG_JSON override is set.
func Default() *Catalog {
	c, _ := build([]Entry{
		{Type: "Regular", UnitPrice: 1000, PeoplePerUnit: 1},
		{Type: "VIP", UnitPrice: 2000, PeoplePerUnit: 1},
		{Type: "Family4", UnitPrice: 6000, PeoplePerUnit: 4},
		{Type: "Group10", UnitPrice: 12000, PeoplePerUnit: 10},
	})
	return c
}

// Load parses a JSON array of entries. Empty input falls back to Default.
func Load(raw string) (*Catalog, error) {
	if strings.TrimSpace(raw) == "" {
		return Default(), nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse catalog json: %w", err)
	}
	return build(entries)
}

func build(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog has no entries")
	}
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.Type)
		if name == "" {
			return nil, fmt.Errorf("catalog entry with empty type")
		}
		if e.UnitPrice <= 0 {
			return nil, fmt.Errorf("catalog entry %q: unit price must be positive", name)
		}
		if e.PeoplePerUnit < 1 {
			e.PeoplePerUnit = 1
		}
		e.Type = name
		out[strings.ToLower(name)] = e
	}
	return &Catalog{entries: out}, nil
}

// Lookup resolves a ticket type, case-insensitively.
func (c *Catalog) Lookup(ticketType string) (Entry, bool) {
	entry, ok := c.entries[strings.ToLower(strings.TrimSpace(ticketType))]
	return entry, ok
}

// Types lists the known type names, sorted.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Type)
	}
	sort.Strings(out)
	return out
}
