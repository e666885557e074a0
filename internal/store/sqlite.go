// Package store provides persistence for signals, positions, trades and counters
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"autotrader/internal/core"
)

// signalHistoryLimit bounds the per-pair signal history kept on disk.
const signalHistoryLimit = 100

// SQLiteStore implements core.IStore on a local SQLite database. Records are
// stored as JSON documents keyed by pair or id; no relational joins are used.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initSchema(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id  TEXT NOT NULL,
			pair       TEXT NOT NULL,
			data       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pair ON signals(pair, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_id TEXT NOT NULL,
			pair        TEXT NOT NULL,
			data        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_pair ON decisions(pair, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS positions (
			position_id TEXT PRIMARY KEY,
			pair        TEXT NOT NULL,
			data        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id  TEXT NOT NULL,
			pair      TEXT NOT NULL,
			data      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS capital (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			date    TEXT PRIMARY KEY,
			balance TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_counters (
			date  TEXT PRIMARY KEY,
			count INTEGER NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// === Signals ===

func (s *SQLiteStore) SaveSignal(ctx context.Context, signal *core.Signal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO signals (signal_id, pair, data) VALUES (?, ?, ?)`,
		signal.SignalID, signal.Pair, string(data)); err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}

	// Trim per-pair history
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM signals WHERE pair = ? AND seq NOT IN
			(SELECT seq FROM signals WHERE pair = ? ORDER BY seq DESC LIMIT ?)`,
		signal.Pair, signal.Pair, signalHistoryLimit); err != nil {
		return fmt.Errorf("failed to trim signal history: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetLatestSignal(ctx context.Context, pair string) (*core.Signal, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM signals WHERE pair = ? ORDER BY seq DESC LIMIT 1`, pair).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest signal: %w", err)
	}

	var signal core.Signal
	if err := json.Unmarshal([]byte(data), &signal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
	}
	return &signal, nil
}

func (s *SQLiteStore) GetSignalHistory(ctx context.Context, pair string, limit int) ([]*core.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM signals WHERE pair = ? ORDER BY seq DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal history: %w", err)
	}
	defer rows.Close()

	var signals []*core.Signal
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var signal core.Signal
		if err := json.Unmarshal([]byte(data), &signal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
		}
		signals = append(signals, &signal)
	}
	return signals, rows.Err()
}

// === Decisions ===

func (s *SQLiteStore) SaveDecision(ctx context.Context, decision *core.TradeDecision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (decision_id, pair, data) VALUES (?, ?, ?)`,
		decision.DecisionID, decision.Pair, string(data)); err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestDecision(ctx context.Context, pair string) (*core.TradeDecision, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM decisions WHERE pair = ? ORDER BY seq DESC LIMIT 1`, pair).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest decision: %w", err)
	}

	var decision core.TradeDecision
	if err := json.Unmarshal([]byte(data), &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &decision, nil
}

// === Positions ===

func (s *SQLiteStore) SaveOpenPosition(ctx context.Context, position *core.Position) error {
	data, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (position_id, pair, data) VALUES (?, ?, ?)`,
		position.PositionID, position.Pair, string(data)); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAllOpenPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to read open positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var position core.Position
		if err := json.Unmarshal([]byte(data), &position); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}
		positions = append(positions, &position)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) RemoveOpenPosition(ctx context.Context, positionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE position_id = ?`, positionID); err != nil {
		return fmt.Errorf("failed to remove position: %w", err)
	}
	return nil
}

// === Trades ===

func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *core.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (trade_id, pair, data) VALUES (?, ?, ?)`,
		trade.TradeID, trade.Pair, string(data)); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecentTrades(ctx context.Context, limit int) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM trades ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var trade core.Trade
		if err := json.Unmarshal([]byte(data), &trade); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		trades = append(trades, &trade)
	}
	return trades, rows.Err()
}

// === Capital ===

// SaveInitialCapital records the starting balance, only if it has not been
// recorded yet.
func (s *SQLiteStore) SaveInitialCapital(ctx context.Context, amount decimal.Decimal) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO capital (key, value) VALUES ('initial', ?)`,
		amount.String()); err != nil {
		return fmt.Errorf("failed to save initial capital: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInitialCapital(ctx context.Context) (decimal.Decimal, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM capital WHERE key = 'initial'`).Scan(&value)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read initial capital: %w", err)
	}
	return decimal.NewFromString(value)
}

func (s *SQLiteStore) SaveDailySnapshot(ctx context.Context, date string, balance decimal.Decimal) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO daily_snapshots (date, balance) VALUES (?, ?)`,
		date, balance.String()); err != nil {
		return fmt.Errorf("failed to save daily snapshot: %w", err)
	}
	return nil
}

// === Counters ===

func (s *SQLiteStore) IncrementDailyCounter(ctx context.Context, date string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO daily_counters (date, count) VALUES (?, 1)
			ON CONFLICT(date) DO UPDATE SET count = count + 1`, date); err != nil {
		return 0, fmt.Errorf("failed to increment daily counter: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count FROM daily_counters WHERE date = ?`, date).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}

	return count, tx.Commit()
}

func (s *SQLiteStore) GetDailyCounter(ctx context.Context, date string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM daily_counters WHERE date = ?`, date).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
