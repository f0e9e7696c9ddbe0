package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gridfleet/internal/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id      INTEGER NOT NULL,
	order_id         INTEGER NOT NULL,
	client_order_id  TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	price            TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	amount           TEXT NOT NULL,
	fee              TEXT NOT NULL DEFAULT '0',
	pnl              TEXT,
	grid_index       INTEGER NOT NULL DEFAULT 0,
	related_order_id INTEGER NOT NULL DEFAULT 0,
	fill_cursor      TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_fill
	ON trades (strategy_id, order_id, side, fill_cursor);
`

const sqliteInsert = `INSERT OR IGNORE INTO trades
	(strategy_id, order_id, client_order_id, symbol, side, price, quantity,
	 amount, fee, pnl, grid_index, related_order_id, fill_cursor, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const sqliteInsertWithRaw = `INSERT OR IGNORE INTO trades
	(strategy_id, order_id, client_order_id, symbol, side, price, quantity,
	 amount, fee, pnl, grid_index, related_order_id, fill_cursor, created_at,
	 raw_order_info)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const sqliteSelectID = `SELECT id FROM trades
	WHERE strategy_id = ? AND order_id = ? AND side = ? AND fill_cursor = ?`

// SQLiteSink is the embedded per-strategy trade sink.
type SQLiteSink struct {
	db     *sql.DB
	logger core.ILogger

	mu        sync.Mutex
	rawColumn bool
}

func NewSQLiteSink(dbPath string, logger core.ILogger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create trades schema: %w", err)
	}

	return &SQLiteSink{db: db, logger: logger}, nil
}

// Save appends one trade record. Duplicate submissions, identified by
// (strategy_id, order_id, side, fill_cursor), return the id of the original
// append without writing a second row.
func (s *SQLiteSink) Save(ctx context.Context, rec *core.TradeRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("nil trade record")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var pnl sql.NullString
	if rec.Pnl != nil {
		pnl = sql.NullString{String: rec.Pnl.String(), Valid: true}
	}

	args := []interface{}{
		rec.StrategyID, rec.OrderID, rec.ClientOrderID, rec.Symbol,
		string(rec.Side), rec.Price.String(), rec.Quantity.String(),
		rec.Amount.String(), rec.Fee.String(), pnl, rec.GridIndex,
		rec.RelatedOrderID, rec.FillCursor, createdAt.UnixNano(),
	}
	query := sqliteInsert
	if rec.RawOrderInfo != "" {
		if err := s.ensureRawColumn(ctx); err != nil {
			return 0, err
		}
		query = sqliteInsertWithRaw
		args = append(args, rec.RawOrderInfo)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		var id int64
		err := s.db.QueryRowContext(ctx, sqliteSelectID,
			rec.StrategyID, rec.OrderID, string(rec.Side), rec.FillCursor).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve duplicate trade id: %w", err)
		}
		if s.logger != nil {
			s.logger.Debug("Duplicate trade record ignored", "order_id", rec.OrderID, "fill_cursor", rec.FillCursor)
		}
		return id, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted trade id: %w", err)
	}
	return id, nil
}

// ensureRawColumn adds the nullable raw_order_info column the first time a
// record carries one. Older databases created before the column existed keep
// working untouched until then.
func (s *SQLiteSink) ensureRawColumn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawColumn {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `ALTER TABLE trades ADD COLUMN raw_order_info TEXT`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("failed to add raw_order_info column: %w", err)
	}
	s.rawColumn = true
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

var _ TradeStore = (*SQLiteSink)(nil)
