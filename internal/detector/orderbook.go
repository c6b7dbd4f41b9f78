package detector

import (
	"math"

	"github.com/rewired-gh/polygraph/internal/models"
)

const depthEpsilon = 1e-9

// OrderbookImbalance fires when one side of the book outweighs the other by at least
// ImbalanceThreshold and the heavier side holds at least ImbalanceMinimum.
type OrderbookImbalance struct {
	cfg Config
}

func (OrderbookImbalance) Type() models.SignalType { return models.SignalOrderbookImbalance }

func (d OrderbookImbalance) Detect(in Input) (Reading, bool) {
	bid, ask := in.Snapshot.BidDepth, in.Snapshot.AskDepth

	larger := math.Max(bid, ask)
	smaller := math.Min(bid, ask)
	if larger < d.cfg.ImbalanceMinimum || larger <= 0 {
		return Reading{}, false
	}

	ratio := larger / math.Max(smaller, depthEpsilon)
	if ratio < d.cfg.ImbalanceThreshold {
		return Reading{}, false
	}

	direction := models.DirectionAsk
	if bid > ask {
		direction = models.DirectionBid
	}

	return Reading{
		Type:      models.SignalOrderbookImbalance,
		Magnitude: ratio,
		Details: models.OrderbookImbalanceDetails{
			Direction: direction,
			Ratio:     ratio,
			BidDepth:  bid,
			AskDepth:  ask,
		},
	}, true
}
