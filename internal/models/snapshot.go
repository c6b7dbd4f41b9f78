package models

import (
	"fmt"
	"math"
	"time"
)

// MarketSnapshot is a single timestamped observation of a market.
// Volume is the traded volume since the previous snapshot; depths are USD notional.
type MarketSnapshot struct {
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	YesPrice  float64   `json:"yes_price"`
	NoPrice   float64   `json:"no_price"`
	Volume    float64   `json:"volume"`
	BidDepth  float64   `json:"bid_depth"`
	AskDepth  float64   `json:"ask_depth"`
}

// Validate returns an error wrapping ErrInvalidSnapshot when a field is missing or
// out of range. Missing depth is represented as NaN.
func (s *MarketSnapshot) Validate() error {
	switch {
	case s.MarketID == "":
		return invalid(s, "market id must not be empty")
	case s.Timestamp.IsZero():
		return invalid(s, "timestamp must be set")
	case !inUnit(s.YesPrice):
		return invalid(s, "yes price %v outside [0,1]", s.YesPrice)
	case !inUnit(s.NoPrice):
		return invalid(s, "no price %v outside [0,1]", s.NoPrice)
	case !nonNegative(s.Volume):
		return invalid(s, "volume %v must be a non-negative number", s.Volume)
	case !nonNegative(s.BidDepth):
		return invalid(s, "bid depth %v must be a non-negative number", s.BidDepth)
	case !nonNegative(s.AskDepth):
		return invalid(s, "ask depth %v must be a non-negative number", s.AskDepth)
	}
	return nil
}

func invalid(s *MarketSnapshot, format string, args ...any) error {
	return fmt.Errorf("%w: market %q: %s", ErrInvalidSnapshot, s.MarketID, fmt.Sprintf(format, args...))
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
