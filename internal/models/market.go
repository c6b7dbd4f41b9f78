// Package models defines the core domain entities: markets, snapshots, and signals.
package models

import (
	"errors"
	"time"
)

// Market is a tracked Polymarket yes/no market as reported by the Gamma API.
type Market struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id"`
	Question    string    `json:"question"`
	Slug        string    `json:"slug"`
	YesTokenID  string    `json:"yes_token_id,omitempty"`
	NoTokenID   string    `json:"no_token_id,omitempty"`
	YesPrice    float64   `json:"yes_price"`
	NoPrice     float64   `json:"no_price"`
	Volume      float64   `json:"volume"`
	Volume24hr  float64   `json:"volume_24hr"`
	Liquidity   float64   `json:"liquidity"`
	Active      bool      `json:"active"`
	Closed      bool      `json:"closed"`
	EndDate     time.Time `json:"end_date,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if m.Question == "" {
		return errors.New("market question must not be empty")
	}
	if m.YesPrice < 0.0 || m.YesPrice > 1.0 {
		return errors.New("yes price must be between 0.0 and 1.0")
	}
	if m.NoPrice < 0.0 || m.NoPrice > 1.0 {
		return errors.New("no price must be between 0.0 and 1.0")
	}
	if m.Volume < 0 {
		return errors.New("volume must not be negative")
	}
	if m.Volume24hr < 0 {
		return errors.New("volume 24hr must not be negative")
	}
	if m.Liquidity < 0 {
		return errors.New("liquidity must not be negative")
	}
	return nil
}

// Tradable reports whether the market is open for trading.
func (m *Market) Tradable() bool {
	return m.Active && !m.Closed
}
