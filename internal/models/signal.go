package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType identifies which detector produced a signal.
type SignalType string

const (
	SignalVolumeSpike        SignalType = "volume_spike"
	SignalOrderbookImbalance SignalType = "orderbook_imbalance"
	SignalPriceDivergence    SignalType = "price_divergence"
)

// SignalTypes lists every signal type in detector evaluation order.
func SignalTypes() []SignalType {
	return []SignalType{SignalVolumeSpike, SignalOrderbookImbalance, SignalPriceDivergence}
}

// ParseSignalType converts a stored or user supplied string into a SignalType.
func ParseSignalType(s string) (SignalType, error) {
	for _, t := range SignalTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown signal type %q", s)
}

// Signal is an emitted detector result. It is immutable once produced.
type Signal struct {
	ID             string     `json:"id"`
	MarketID       string     `json:"market_id"`
	Type           SignalType `json:"signal_type"`
	Timestamp      time.Time  `json:"timestamp"`
	Score          float64    `json:"score"`
	Details        Details    `json:"-"`
	PriceAtSignal  float64    `json:"price_at_signal"`
	VolumeAtSignal float64    `json:"volume_at_signal"`
}

// MarshalJSON flattens Details into a generic object.
func (s Signal) MarshalJSON() ([]byte, error) {
	type plain Signal
	var fields map[string]any
	if s.Details != nil {
		fields = s.Details.Fields()
	}
	return json.Marshal(struct {
		plain
		Details map[string]any `json:"details"`
	}{plain(s), fields})
}
