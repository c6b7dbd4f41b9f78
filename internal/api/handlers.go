package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/models"
	"github.com/rewired-gh/polygraph/internal/storage"
)

type marketsQuery struct {
	Limit int `form:"limit,default=20" binding:"min=1,max=100"`
}

type signalsQuery struct {
	Limit    int     `form:"limit,default=20" binding:"min=1,max=100"`
	Offset   int     `form:"offset,default=0" binding:"min=0"`
	MinScore float64 `form:"min_score,default=0" binding:"min=0,max=100"`
	Type     string  `form:"type"`
	MarketID string  `form:"market_id"`
	Hours    int     `form:"hours,default=24" binding:"min=1,max=168"`
}

type topQuery struct {
	Limit int `form:"limit,default=10" binding:"min=1,max=50"`
	Hours int `form:"hours,default=24" binding:"min=1,max=168"`
}

type statsQuery struct {
	Hours int `form:"hours,default=24" binding:"min=1,max=168"`
}

// signalView flattens a signal for the feed, adding the market question.
func signalView(s models.Signal, question string) gin.H {
	var details map[string]any
	if s.Details != nil {
		details = s.Details.Fields()
	}
	return gin.H{
		"id":               s.ID,
		"market_id":        s.MarketID,
		"market_question":  question,
		"signal_type":      s.Type,
		"timestamp":        s.Timestamp,
		"score":            s.Score,
		"details":          details,
		"price_at_signal":  s.PriceAtSignal,
		"volume_at_signal": s.VolumeAtSignal,
	}
}

// lookupMarkets resolves the markets referenced by signals. Unknown ids are left out.
func (s *Server) lookupMarkets(ctx context.Context, signals []models.Signal) map[string]models.Market {
	markets := make(map[string]models.Market)
	for _, sig := range signals {
		if _, ok := markets[sig.MarketID]; ok {
			continue
		}
		m, err := s.store.GetMarket(ctx, sig.MarketID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Warn("Failed to look up market %s: %v", sig.MarketID, err)
			}
			continue
		}
		markets[sig.MarketID] = m
	}
	return markets
}

func questionOf(markets map[string]models.Market, id string) string {
	if m, ok := markets[id]; ok {
		return m.Question
	}
	return "Unknown"
}

func (s *Server) listMarkets(c *gin.Context) {
	var q marketsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	markets, err := s.store.Markets(c.Request.Context(), q.Limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, markets)
}

func (s *Server) getMarket(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	market, err := s.store.GetMarket(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		abort(c, http.StatusNotFound, fmt.Errorf("market %q not found", id))
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}

	history, err := s.store.SnapshotsSince(ctx, id, s.now().Add(-historyWindow))
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	signals, err := s.store.RecentSignals(ctx, storage.SignalFilter{MarketID: id, Limit: marketSignals})
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}

	views := make([]gin.H, 0, len(signals))
	for _, sig := range signals {
		views = append(views, signalView(sig, market.Question))
	}
	c.JSON(http.StatusOK, gin.H{
		"market":         market,
		"price_history":  history,
		"recent_signals": views,
	})
}

func (s *Server) getBaseline(c *gin.Context) {
	id := c.Param("id")
	b, err := s.baselines.Get(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"baseline": b, "ready": true})
	case errors.Is(err, models.ErrInsufficientData) && b.SampleCount > 0:
		c.JSON(http.StatusOK, gin.H{"baseline": b, "ready": false})
	case errors.Is(err, models.ErrInsufficientData):
		abort(c, http.StatusNotFound, fmt.Errorf("no baseline for market %q", id))
	default:
		abort(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) listSignals(c *gin.Context) {
	var q signalsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	f := storage.SignalFilter{
		Since:    s.now().Add(-time.Duration(q.Hours) * time.Hour),
		Limit:    q.Limit,
		Offset:   q.Offset,
		MinScore: q.MinScore,
		MarketID: q.MarketID,
	}
	if q.Type != "" {
		t, err := models.ParseSignalType(q.Type)
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		f.Type = t
	}

	ctx := c.Request.Context()
	signals, err := s.store.RecentSignals(ctx, f)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	markets := s.lookupMarkets(ctx, signals)

	views := make([]gin.H, 0, len(signals))
	for _, sig := range signals {
		views = append(views, signalView(sig, questionOf(markets, sig.MarketID)))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) topSignals(c *gin.Context) {
	var q topQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	signals, err := s.store.RecentSignals(ctx, storage.SignalFilter{
		Since:   s.now().Add(-time.Duration(q.Hours) * time.Hour),
		Limit:   q.Limit,
		ByScore: true,
	})
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	markets := s.lookupMarkets(ctx, signals)

	out := make([]gin.H, 0, len(signals))
	for _, sig := range signals {
		entry := gin.H{"signal": signalView(sig, questionOf(markets, sig.MarketID)), "market": nil}
		if m, ok := markets[sig.MarketID]; ok {
			entry["market"] = gin.H{"id": m.ID, "question": m.Question, "yes_price": m.YesPrice}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) stats(c *gin.Context) {
	var q statsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	st, err := s.store.Stats(c.Request.Context(), s.now().Add(-time.Duration(q.Hours)*time.Hour))
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
