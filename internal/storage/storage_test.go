package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/polygraph/internal/models"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T, minScore float64) *Storage {
	t.Helper()
	s, err := New(":memory:", minScore)
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMarket(id string, volume24hr float64) models.Market {
	return models.Market{
		ID:         id,
		Question:   "Will " + id + " resolve yes?",
		Slug:       id,
		YesTokenID: id + "-yes",
		NoTokenID:  id + "-no",
		YesPrice:   0.6,
		NoPrice:    0.4,
		Volume:     1e6,
		Volume24hr: volume24hr,
		Liquidity:  5000,
		Active:     true,
		EndDate:    base.Add(30 * 24 * time.Hour),
		UpdatedAt:  base,
	}
}

func testSignal(marketID string, typ models.SignalType, ts time.Time, score float64) models.Signal {
	var details models.Details
	switch typ {
	case models.SignalVolumeSpike:
		details = models.VolumeSpikeDetails{CurrentVolume: 125000, MeanVolume: 30000, ZScore: 9.5}
	case models.SignalOrderbookImbalance:
		details = models.OrderbookImbalanceDetails{Direction: models.DirectionBid, Ratio: 10, BidDepth: 50000, AskDepth: 5000}
	default:
		details = models.PriceDivergenceDetails{
			DivergenceType: models.DivergenceWeakConviction, PriceChangePct: 0.12,
			ReferencePrice: 0.5, CurrentPrice: 0.56, Interval: time.Hour,
		}
	}
	return models.Signal{
		ID:             fmt.Sprintf("%s|%s|%d", marketID, typ, ts.Unix()),
		MarketID:       marketID,
		Type:           typ,
		Timestamp:      ts,
		Score:          score,
		Details:        details,
		PriceAtSignal:  0.56,
		VolumeAtSignal: 125000,
	}
}

func TestStorage_UpsertAndGetMarket(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()
	m := testMarket("m1", 1000)

	if err := s.UpsertMarket(ctx, m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	got, err := s.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got != m {
		t.Errorf("got %+v, want %+v", got, m)
	}

	m.YesPrice, m.NoPrice = 0.8, 0.2
	m.Question = "Updated?"
	if err := s.UpsertMarket(ctx, m); err != nil {
		t.Fatalf("UpsertMarket again: %v", err)
	}
	got, _ = s.GetMarket(ctx, "m1")
	if got.YesPrice != 0.8 || got.Question != "Updated?" {
		t.Errorf("market not updated: %+v", got)
	}
}

func TestStorage_GetMarket_NotFound(t *testing.T) {
	s := newTestStorage(t, 0)
	_, err := s.GetMarket(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_UpsertMarket_Invalid(t *testing.T) {
	s := newTestStorage(t, 0)
	m := testMarket("m1", 1)
	m.Question = ""
	if err := s.UpsertMarket(context.Background(), m); err == nil {
		t.Error("expected error for market without question")
	}
}

func TestStorage_MarketsByVolume(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()
	for i, v := range []float64{300, 100, 200} {
		if err := s.UpsertMarket(ctx, testMarket(fmt.Sprintf("m%d", i), v)); err != nil {
			t.Fatalf("UpsertMarket: %v", err)
		}
	}

	markets, err := s.Markets(ctx, 2)
	if err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if len(markets) != 2 || markets[0].ID != "m0" || markets[1].ID != "m2" {
		t.Errorf("unexpected order: %+v", markets)
	}
}

func TestStorage_Snapshots(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		snap := models.MarketSnapshot{
			MarketID:  "m1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			YesPrice:  0.5,
			NoPrice:   0.5,
			Volume:    float64(100 * i),
			BidDepth:  1000,
			AskDepth:  2000,
		}
		if err := s.AddSnapshot(ctx, snap, float64(10000+100*i)); err != nil {
			t.Fatalf("AddSnapshot: %v", err)
		}
	}
	other := models.MarketSnapshot{MarketID: "m2", Timestamp: base, YesPrice: 0.1, NoPrice: 0.9}
	if err := s.AddSnapshot(ctx, other, 1); err != nil {
		t.Fatalf("AddSnapshot: %v", err)
	}

	snaps, err := s.SnapshotsSince(ctx, "m1", base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SnapshotsSince: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	for i, snap := range snaps {
		want := base.Add(time.Duration(i+2) * time.Hour)
		if !snap.Timestamp.Equal(want) {
			t.Errorf("snapshot %d at %v, want %v", i, snap.Timestamp, want)
		}
	}
	if snaps[0].Volume != 200 || snaps[0].AskDepth != 2000 {
		t.Errorf("unexpected snapshot contents: %+v", snaps[0])
	}

	last, cumulative, err := s.LastSnapshot(ctx, "m1")
	if err != nil {
		t.Fatalf("LastSnapshot: %v", err)
	}
	if !last.Timestamp.Equal(base.Add(4*time.Hour)) || cumulative != 10400 {
		t.Errorf("unexpected last snapshot %+v cumulative %v", last, cumulative)
	}
	if _, _, err := s.LastSnapshot(ctx, "none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := s.PruneSnapshots(ctx, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 pruned, got %d", n)
	}
	snaps, _ = s.SnapshotsSince(ctx, "m1", time.Time{})
	if len(snaps) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(snaps))
	}
}

func TestStorage_AddSnapshot_Invalid(t *testing.T) {
	s := newTestStorage(t, 0)
	bad := models.MarketSnapshot{MarketID: "m1", Timestamp: base, YesPrice: 2}
	if err := s.AddSnapshot(context.Background(), bad, 0); !errors.Is(err, models.ErrInvalidSnapshot) {
		t.Errorf("expected ErrInvalidSnapshot, got %v", err)
	}
}

func TestStorage_WriteSignals(t *testing.T) {
	s := newTestStorage(t, 30)
	ctx := context.Background()

	signals := []models.Signal{
		testSignal("m1", models.SignalVolumeSpike, base, 82.9),
		testSignal("m1", models.SignalOrderbookImbalance, base.Add(time.Minute), 61),
		testSignal("m2", models.SignalPriceDivergence, base.Add(2*time.Minute), 45),
		testSignal("m2", models.SignalVolumeSpike, base.Add(3*time.Minute), 12),
	}
	if err := s.WriteSignals(ctx, signals); err != nil {
		t.Fatalf("WriteSignals: %v", err)
	}
	// idempotent on id
	if err := s.WriteSignals(ctx, signals[:2]); err != nil {
		t.Fatalf("WriteSignals again: %v", err)
	}

	got, err := s.RecentSignals(ctx, SignalFilter{Limit: 10})
	if err != nil {
		t.Fatalf("RecentSignals: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 signals above the floor, got %d", len(got))
	}
	if got[0].Type != models.SignalPriceDivergence || got[2].Type != models.SignalVolumeSpike {
		t.Errorf("expected newest first, got %s ... %s", got[0].Type, got[2].Type)
	}

	spike := got[2]
	if spike.ID != signals[0].ID || !spike.Timestamp.Equal(base) || spike.Score != 82.9 {
		t.Errorf("unexpected signal %+v", spike)
	}
	details, ok := spike.Details.(models.VolumeSpikeDetails)
	if !ok || details.ZScore != 9.5 {
		t.Errorf("details not restored: %#v", spike.Details)
	}
	div := got[0].Details.(models.PriceDivergenceDetails)
	if div.DivergenceType != models.DivergenceWeakConviction || div.Interval != time.Hour {
		t.Errorf("divergence details not restored: %#v", div)
	}
}

func TestStorage_RecentSignalsFilter(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	var signals []models.Signal
	for i := 0; i < 6; i++ {
		typ := models.SignalTypes()[i%3]
		signals = append(signals, testSignal(fmt.Sprintf("m%d", i%2), typ, base.Add(time.Duration(i)*time.Minute), float64(20+10*i)))
	}
	if err := s.WriteSignals(ctx, signals); err != nil {
		t.Fatalf("WriteSignals: %v", err)
	}

	tests := []struct {
		name    string
		filter  SignalFilter
		wantIDs []string
	}{
		{"min score", SignalFilter{MinScore: 60}, []string{signals[5].ID, signals[4].ID}},
		{"type", SignalFilter{Type: models.SignalOrderbookImbalance}, []string{signals[4].ID, signals[1].ID}},
		{"market", SignalFilter{MarketID: "m1", Limit: 2}, []string{signals[5].ID, signals[3].ID}},
		{"since", SignalFilter{Since: base.Add(4 * time.Minute)}, []string{signals[5].ID, signals[4].ID}},
		{"by score", SignalFilter{ByScore: true, Limit: 1}, []string{signals[5].ID}},
		{"offset", SignalFilter{Limit: 1, Offset: 1}, []string{signals[4].ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.RecentSignals(ctx, tt.filter)
			if err != nil {
				t.Fatalf("RecentSignals: %v", err)
			}
			var ids []string
			for _, sig := range got {
				ids = append(ids, sig.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("got %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestStorage_Stats(t *testing.T) {
	s := newTestStorage(t, 0)
	ctx := context.Background()

	empty, err := s.Stats(ctx, base)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if empty.Signals != 0 || empty.TopSignal != nil {
		t.Errorf("expected empty stats, got %+v", empty)
	}

	_ = s.UpsertMarket(ctx, testMarket("m1", 10))
	_ = s.UpsertMarket(ctx, testMarket("m2", 20))
	old := testMarket("stale", 5)
	old.UpdatedAt = base.Add(-48 * time.Hour)
	_ = s.UpsertMarket(ctx, old)

	signals := []models.Signal{
		testSignal("m1", models.SignalVolumeSpike, base.Add(time.Minute), 40),
		testSignal("m1", models.SignalOrderbookImbalance, base.Add(2*time.Minute), 90),
		testSignal("m2", models.SignalVolumeSpike, base.Add(3*time.Minute), 50),
		testSignal("m2", models.SignalVolumeSpike, base.Add(-time.Hour), 99),
	}
	if err := s.WriteSignals(ctx, signals); err != nil {
		t.Fatalf("WriteSignals: %v", err)
	}

	st, err := s.Stats(ctx, base)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.MarketsTracked != 2 {
		t.Errorf("expected 2 markets, got %d", st.MarketsTracked)
	}
	if st.Signals != 3 || st.SignalsByType[models.SignalVolumeSpike] != 2 {
		t.Errorf("unexpected counts %+v", st)
	}
	if st.TopSignal == nil || st.TopSignal.Score != 90 {
		t.Errorf("unexpected top signal %+v", st.TopSignal)
	}
	if st.MostActiveMarket != "m1" || st.MostActiveCount != 2 {
		t.Errorf("unexpected most active %s/%d", st.MostActiveMarket, st.MostActiveCount)
	}
}

func TestStorage_FilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "polygraph.db")
	s, err := New(path, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	_ = s.Close()

	// tables are created idempotently on reopen
	s, err = New(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s.Close()
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot count open files: %v", err)
	}
	return len(entries)
}

func TestStorage_NewReleasesDatabaseOnError(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("open file count needs /proc")
	}
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("this is not a sqlite database\n", 20)), 0o644); err != nil {
		t.Fatal(err)
	}

	before := openFDs(t)
	for i := 0; i < 20; i++ {
		if _, err := New(path, 0); err == nil {
			t.Fatal("New on a corrupt file succeeded, want error")
		}
	}
	if after := openFDs(t); after-before >= 20 {
		t.Errorf("open files grew from %d to %d after failed opens", before, after)
	}
}
