package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Details is the fixed per-type payload of a Signal. The set of implementations is
// closed: VolumeSpikeDetails, OrderbookImbalanceDetails and PriceDivergenceDetails.
type Details interface {
	SignalType() SignalType
	// Fields renders the payload as a generic map for serialization.
	Fields() map[string]any
	sealed()
}

// Direction is the heavier side of an orderbook.
type Direction string

const (
	DirectionBid Direction = "bid"
	DirectionAsk Direction = "ask"
)

// DivergenceType distinguishes the two price divergence sub-cases.
type DivergenceType string

const (
	DivergenceNone           DivergenceType = ""
	DivergenceWeakConviction DivergenceType = "weak_conviction"
	DivergenceAccumulation   DivergenceType = "accumulation"
)

type VolumeSpikeDetails struct {
	CurrentVolume float64 `json:"current_volume"`
	MeanVolume    float64 `json:"mean_volume"`
	ZScore        float64 `json:"z_score"`
}

func (VolumeSpikeDetails) SignalType() SignalType { return SignalVolumeSpike }
func (VolumeSpikeDetails) sealed() {}

func (d VolumeSpikeDetails) Fields() map[string]any {
	return map[string]any{
		"current_volume": d.CurrentVolume,
		"mean_volume":    d.MeanVolume,
		"z_score":        d.ZScore,
	}
}

type OrderbookImbalanceDetails struct {
	Direction Direction `json:"direction"`
	Ratio     float64   `json:"ratio"`
	BidDepth  float64   `json:"bid_depth"`
	AskDepth  float64   `json:"ask_depth"`
}

func (OrderbookImbalanceDetails) SignalType() SignalType { return SignalOrderbookImbalance }
func (OrderbookImbalanceDetails) sealed() {}

func (d OrderbookImbalanceDetails) Fields() map[string]any {
	return map[string]any{
		"direction": string(d.Direction),
		"ratio":     d.Ratio,
		"bid_depth": d.BidDepth,
		"ask_depth": d.AskDepth,
	}
}

type PriceDivergenceDetails struct {
	DivergenceType  DivergenceType `json:"divergence_type"`
	PriceChangePct  float64        `json:"price_change_pct"`
	VolumeChangePct float64        `json:"volume_change_pct"`
	ReferencePrice  float64        `json:"reference_price"`
	ReferenceVolume float64        `json:"reference_volume"`
	CurrentPrice    float64        `json:"current_price"`
	CurrentVolume   float64        `json:"current_volume"`
	Interval        time.Duration  `json:"interval"`
}

func (PriceDivergenceDetails) SignalType() SignalType { return SignalPriceDivergence }
func (PriceDivergenceDetails) sealed() {}

func (d PriceDivergenceDetails) Fields() map[string]any {
	return map[string]any{
		"divergence_type":   string(d.DivergenceType),
		"price_change_pct":  d.PriceChangePct,
		"volume_change_pct": d.VolumeChangePct,
		"reference_price":   d.ReferencePrice,
		"reference_volume":  d.ReferenceVolume,
		"current_price":     d.CurrentPrice,
		"current_volume":    d.CurrentVolume,
		"interval_seconds":  d.Interval.Seconds(),
	}
}

// EncodeDetails serializes a payload for storage.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// DecodeDetails rebuilds the typed payload stored for a signal of type t.
func DecodeDetails(t SignalType, data []byte) (Details, error) {
	switch t {
	case SignalVolumeSpike:
		var d VolumeSpikeDetails
		err := json.Unmarshal(data, &d)
		return d, err
	case SignalOrderbookImbalance:
		var d OrderbookImbalanceDetails
		err := json.Unmarshal(data, &d)
		return d, err
	case SignalPriceDivergence:
		var d PriceDivergenceDetails
		err := json.Unmarshal(data, &d)
		return d, err
	default:
		return nil, fmt.Errorf("unknown signal type %q", t)
	}
}
