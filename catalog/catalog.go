// catalog/catalog.go
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrUnknownMode = errors.New("unknown game mode")

// ModeConfig describes the cost and requirements of one game mode.
// Values are fixed at load time; the matching layer only reads them.
type ModeConfig struct {
	ID             string
	DisplayName    string
	EnergyCost     int
	MinPlayerLevel int
	MinPlayers     int
	MaxPlayers     int
	EstimatedWait  time.Duration
	Timeout        time.Duration
}

func (c ModeConfig) validate() error {
	if c.EnergyCost < 0 {
		return fmt.Errorf("mode %s: negative energy cost %d", c.ID, c.EnergyCost)
	}
	if c.MinPlayers > c.MaxPlayers {
		return fmt.Errorf("mode %s: min players %d exceeds max players %d", c.ID, c.MinPlayers, c.MaxPlayers)
	}
	return nil
}

// Override adjusts a built-in mode. Zero-valued fields keep the
// built-in value.
type Override struct {
	ID             string
	EnergyCost     int
	MinPlayerLevel int
	MaxPlayers     int
	Timeout        time.Duration
}

// Catalog is a read-only lookup of game modes.
type Catalog struct {
	modes map[string]ModeConfig
}

// Built-in dice modes. Private rooms are free to join; everything else
// costs energy per attempt.
var builtins = []ModeConfig{
	{
		ID:             "classic",
		DisplayName:    "Classic Dice",
		EnergyCost:     1,
		MinPlayerLevel: 1,
		MinPlayers:     2,
		MaxPlayers:     4,
		EstimatedWait:  15 * time.Second,
		Timeout:        30 * time.Second,
	},
	{
		ID:             "speed",
		DisplayName:    "Speed Dice",
		EnergyCost:     2,
		MinPlayerLevel: 3,
		MinPlayers:     2,
		MaxPlayers:     4,
		EstimatedWait:  10 * time.Second,
		Timeout:        20 * time.Second,
	},
	{
		ID:             "ranked",
		DisplayName:    "Ranked Dice",
		EnergyCost:     3,
		MinPlayerLevel: 5,
		MinPlayers:     2,
		MaxPlayers:     4,
		EstimatedWait:  30 * time.Second,
		Timeout:        45 * time.Second,
	},
	{
		ID:             "private",
		DisplayName:    "Private Room",
		EnergyCost:     0,
		MinPlayerLevel: 1,
		MinPlayers:     2,
		MaxPlayers:     6,
		EstimatedWait:  0,
		Timeout:        30 * time.Second,
	},
}

// NewCatalog returns a catalog holding the built-in modes with the
// given overrides applied.
func NewCatalog(overrides ...Override) (*Catalog, error) {
	modes := make(map[string]ModeConfig, len(builtins))
	for _, m := range builtins {
		modes[m.ID] = m
	}

	for _, o := range overrides {
		m, exists := modes[o.ID]
		if !exists {
			return nil, fmt.Errorf("override for %q: %w", o.ID, ErrUnknownMode)
		}
		if o.EnergyCost > 0 {
			m.EnergyCost = o.EnergyCost
		}
		if o.MinPlayerLevel > 0 {
			m.MinPlayerLevel = o.MinPlayerLevel
		}
		if o.MaxPlayers > 0 {
			m.MaxPlayers = o.MaxPlayers
		}
		if o.Timeout > 0 {
			m.Timeout = o.Timeout
		}
		modes[o.ID] = m
	}

	for _, m := range modes {
		if err := m.validate(); err != nil {
			return nil, err
		}
	}

	return &Catalog{modes: modes}, nil
}

// ConfigFor looks up a mode by id.
func (c *Catalog) ConfigFor(modeID string) (ModeConfig, error) {
	m, exists := c.modes[modeID]
	if !exists {
		return ModeConfig{}, fmt.Errorf("%q: %w", modeID, ErrUnknownMode)
	}
	return m, nil
}

// Modes returns all modes sorted by id.
func (c *Catalog) Modes() []ModeConfig {
	result := make([]ModeConfig, 0, len(c.modes))
	for _, m := range c.modes {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
