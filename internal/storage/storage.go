// Package storage provides SQLite-backed persistence for markets, snapshots, and signals.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/polygraph/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db       *sql.DB
	minScore float64
}

// New opens or creates the SQLite database at dbPath. Signals scoring below minScore are
// not persisted. An empty dbPath defaults to $TMPDIR/polygraph/polygraph.db.
func New(dbPath string, minScore float64) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polygraph", "polygraph.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, minScore: minScore}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id           TEXT PRIMARY KEY,
			condition_id TEXT,
			question     TEXT NOT NULL,
			slug         TEXT,
			yes_token_id TEXT,
			no_token_id  TEXT,
			yes_price    REAL NOT NULL,
			no_price     REAL NOT NULL,
			volume       REAL NOT NULL DEFAULT 0,
			volume_24hr  REAL NOT NULL DEFAULT 0,
			liquidity    REAL NOT NULL DEFAULT 0,
			end_date     INTEGER,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			market_id         TEXT NOT NULL,
			timestamp         INTEGER NOT NULL,
			yes_price         REAL NOT NULL,
			no_price          REAL NOT NULL,
			volume            REAL NOT NULL,
			cumulative_volume REAL NOT NULL,
			bid_depth         REAL NOT NULL,
			ask_depth         REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_market_ts ON snapshots(market_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id               TEXT PRIMARY KEY,
			market_id        TEXT NOT NULL,
			signal_type      TEXT NOT NULL,
			timestamp        INTEGER NOT NULL,
			score            REAL NOT NULL,
			details          TEXT NOT NULL DEFAULT '{}',
			price_at_signal  REAL NOT NULL,
			volume_at_signal REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_score ON signals(score DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_market ON signals(market_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertMarket inserts the market or refreshes its stored metadata.
func (s *Storage) UpsertMarket(ctx context.Context, market models.Market) error {
	if err := market.Validate(); err != nil {
		return fmt.Errorf("invalid market: %w", err)
	}
	var endDate sql.NullInt64
	if !market.EndDate.IsZero() {
		endDate = sql.NullInt64{Int64: market.EndDate.UnixNano(), Valid: true}
	}
	updatedAt := market.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets
			(id, condition_id, question, slug, yes_token_id, no_token_id,
			 yes_price, no_price, volume, volume_24hr, liquidity, end_date, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			condition_id=excluded.condition_id, question=excluded.question, slug=excluded.slug,
			yes_token_id=excluded.yes_token_id, no_token_id=excluded.no_token_id,
			yes_price=excluded.yes_price, no_price=excluded.no_price, volume=excluded.volume,
			volume_24hr=excluded.volume_24hr, liquidity=excluded.liquidity,
			end_date=excluded.end_date, updated_at=excluded.updated_at`,
		market.ID, market.ConditionID, market.Question, market.Slug,
		market.YesTokenID, market.NoTokenID,
		market.YesPrice, market.NoPrice, market.Volume, market.Volume24hr, market.Liquidity,
		endDate, updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert market: %w", err)
	}
	return nil
}

const marketCols = `id, condition_id, question, slug, yes_token_id, no_token_id,
	yes_price, no_price, volume, volume_24hr, liquidity, end_date, updated_at`

func scanMarket(scan func(...any) error) (models.Market, error) {
	var m models.Market
	var conditionID, slug, yesToken, noToken sql.NullString
	var endDate sql.NullInt64
	var updatedAtNano int64
	err := scan(
		&m.ID, &conditionID, &m.Question, &slug, &yesToken, &noToken,
		&m.YesPrice, &m.NoPrice, &m.Volume, &m.Volume24hr, &m.Liquidity,
		&endDate, &updatedAtNano,
	)
	if err != nil {
		return models.Market{}, err
	}
	m.ConditionID = conditionID.String
	m.Slug = slug.String
	m.YesTokenID = yesToken.String
	m.NoTokenID = noToken.String
	if endDate.Valid {
		m.EndDate = time.Unix(0, endDate.Int64).UTC()
	}
	m.UpdatedAt = time.Unix(0, updatedAtNano).UTC()
	m.Active = true
	return m, nil
}

// GetMarket returns a stored market or ErrNotFound.
func (s *Storage) GetMarket(ctx context.Context, id string) (models.Market, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Market{}, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Market{}, fmt.Errorf("failed to get market: %w", err)
	}
	return m, nil
}

// Markets lists stored markets by 24h volume, highest first.
func (s *Storage) Markets(ctx context.Context, limit int) ([]models.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketCols+` FROM markets ORDER BY volume_24hr DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()
	markets := []models.Market{}
	for rows.Next() {
		m, err := scanMarket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// AddSnapshot stores an accepted snapshot together with the cumulative volume it was
// derived from.
func (s *Storage) AddSnapshot(ctx context.Context, snap models.MarketSnapshot, cumulativeVolume float64) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(market_id, timestamp, yes_price, no_price, volume, cumulative_volume, bid_depth, ask_depth)
		VALUES (?,?,?,?,?,?,?,?)`,
		snap.MarketID, snap.Timestamp.UnixNano(), snap.YesPrice, snap.NoPrice,
		snap.Volume, cumulativeVolume, snap.BidDepth, snap.AskDepth,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

const snapshotCols = `market_id, timestamp, yes_price, no_price, volume, bid_depth, ask_depth`

func scanSnapshot(scan func(...any) error, extra ...any) (models.MarketSnapshot, error) {
	var snap models.MarketSnapshot
	var tsNano int64
	dest := []any{&snap.MarketID, &tsNano, &snap.YesPrice, &snap.NoPrice, &snap.Volume, &snap.BidDepth, &snap.AskDepth}
	if err := scan(append(dest, extra...)...); err != nil {
		return models.MarketSnapshot{}, err
	}
	snap.Timestamp = time.Unix(0, tsNano).UTC()
	return snap, nil
}

// SnapshotsSince returns a market's snapshots taken at or after since, oldest first.
func (s *Storage) SnapshotsSince(ctx context.Context, marketID string, since time.Time) ([]models.MarketSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotCols+` FROM snapshots
		WHERE market_id = ? AND timestamp >= ?
		ORDER BY timestamp, id`, marketID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.MarketSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LastSnapshot returns a market's newest snapshot and its cumulative volume, or
// ErrNotFound.
func (s *Storage) LastSnapshot(ctx context.Context, marketID string) (models.MarketSnapshot, float64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotCols+`, cumulative_volume FROM snapshots
		WHERE market_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, marketID)
	var cumulative float64
	snap, err := scanSnapshot(row.Scan, &cumulative)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MarketSnapshot{}, 0, fmt.Errorf("snapshot for %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return models.MarketSnapshot{}, 0, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, cumulative, nil
}

// PruneSnapshots deletes snapshots older than before and reports how many were removed.
func (s *Storage) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WriteSignals persists signals at or above the storage score floor. Writing a signal
// that already exists is a no-op.
func (s *Storage) WriteSignals(ctx context.Context, signals []models.Signal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO signals
			(id, market_id, signal_type, timestamp, score, details, price_at_signal, volume_at_signal)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sig := range signals {
		if sig.Score < s.minScore {
			continue
		}
		details, err := models.EncodeDetails(sig.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details of %s: %w", sig.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			sig.ID, sig.MarketID, string(sig.Type), sig.Timestamp.UnixNano(), sig.Score,
			string(details), sig.PriceAtSignal, sig.VolumeAtSignal,
		); err != nil {
			return fmt.Errorf("failed to insert signal %s: %w", sig.ID, err)
		}
	}
	return tx.Commit()
}

// SignalFilter narrows RecentSignals. Zero values mean no restriction, except Limit which
// defaults to 20.
type SignalFilter struct {
	Since    time.Time
	Limit    int
	Offset   int
	MinScore float64
	Type     models.SignalType
	MarketID string
	// ByScore orders by score instead of recency.
	ByScore bool
}

const signalCols = `id, market_id, signal_type, timestamp, score, details, price_at_signal, volume_at_signal`

func scanSignal(scan func(...any) error) (models.Signal, error) {
	var sig models.Signal
	var typ, details string
	var tsNano int64
	if err := scan(&sig.ID, &sig.MarketID, &typ, &tsNano, &sig.Score, &details,
		&sig.PriceAtSignal, &sig.VolumeAtSignal); err != nil {
		return models.Signal{}, err
	}
	t, err := models.ParseSignalType(typ)
	if err != nil {
		return models.Signal{}, err
	}
	sig.Type = t
	sig.Timestamp = time.Unix(0, tsNano).UTC()
	if sig.Details, err = models.DecodeDetails(t, []byte(details)); err != nil {
		return models.Signal{}, fmt.Errorf("failed to decode details of %s: %w", sig.ID, err)
	}
	return sig, nil
}

// RecentSignals lists stored signals newest first, or highest scoring first with ByScore.
func (s *Storage) RecentSignals(ctx context.Context, f SignalFilter) ([]models.Signal, error) {
	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.MinScore > 0 {
		where = append(where, "score >= ?")
		args = append(args, f.MinScore)
	}
	if f.Type != "" {
		where = append(where, "signal_type = ?")
		args = append(args, string(f.Type))
	}
	if f.MarketID != "" {
		where = append(where, "market_id = ?")
		args = append(args, f.MarketID)
	}

	query := `SELECT ` + signalCols + ` FROM signals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.ByScore {
		query += ` ORDER BY score DESC, timestamp DESC, id`
	} else {
		query += ` ORDER BY timestamp DESC, score DESC, id`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	signals := []models.Signal{}
	for rows.Next() {
		sig, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// Stats summarizes activity since a point in time.
type Stats struct {
	MarketsTracked   int                       `json:"markets_tracked"`
	Signals          int                       `json:"signals"`
	SignalsByType    map[models.SignalType]int `json:"signals_by_type"`
	TopSignal        *models.Signal            `json:"top_signal,omitempty"`
	MostActiveMarket string                    `json:"most_active_market,omitempty"`
	MostActiveCount  int                       `json:"most_active_count,omitempty"`
}

// Stats counts markets updated and signals emitted since the given time.
func (s *Storage) Stats(ctx context.Context, since time.Time) (Stats, error) {
	st := Stats{SignalsByType: make(map[models.SignalType]int)}
	sinceNano := since.UnixNano()

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM markets WHERE updated_at >= ?`, sinceNano,
	).Scan(&st.MarketsTracked); err != nil {
		return Stats{}, fmt.Errorf("failed to count markets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_type, COUNT(*) FROM signals WHERE timestamp >= ? GROUP BY signal_type`, sinceNano)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count signals: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("failed to scan signal count: %w", err)
		}
		st.SignalsByType[models.SignalType(typ)] = n
		st.Signals += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	if st.Signals == 0 {
		return st, nil
	}

	top, err := s.RecentSignals(ctx, SignalFilter{Since: since, Limit: 1, ByScore: true})
	if err != nil {
		return Stats{}, err
	}
	if len(top) > 0 {
		st.TopSignal = &top[0]
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT market_id, COUNT(*) AS n FROM signals WHERE timestamp >= ?
		GROUP BY market_id ORDER BY n DESC, market_id LIMIT 1`, sinceNano,
	).Scan(&st.MostActiveMarket, &st.MostActiveCount)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to find most active market: %w", err)
	}
	return st, nil
}
