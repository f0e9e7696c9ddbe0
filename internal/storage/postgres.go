package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"gridfleet/internal/core"
	apperrors "gridfleet/pkg/errors"
	"gridfleet/pkg/retry"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id               BIGSERIAL PRIMARY KEY,
	strategy_id      BIGINT NOT NULL,
	order_id         BIGINT NOT NULL,
	client_order_id  TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	price            TEXT NOT NULL,
	quantity         TEXT NOT NULL,
	amount           TEXT NOT NULL,
	fee              TEXT NOT NULL DEFAULT '0',
	pnl              TEXT,
	grid_index       INTEGER NOT NULL DEFAULT 0,
	related_order_id BIGINT NOT NULL DEFAULT 0,
	fill_cursor      TEXT NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_fill
	ON trades (strategy_id, order_id, side, fill_cursor);
`

const postgresInsert = `INSERT INTO trades
	(strategy_id, order_id, client_order_id, symbol, side, price, quantity,
	 amount, fee, pnl, grid_index, related_order_id, fill_cursor, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (strategy_id, order_id, side, fill_cursor) DO NOTHING
	RETURNING id`

const postgresInsertWithRaw = `INSERT INTO trades
	(strategy_id, order_id, client_order_id, symbol, side, price, quantity,
	 amount, fee, pnl, grid_index, related_order_id, fill_cursor, created_at,
	 raw_order_info)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (strategy_id, order_id, side, fill_cursor) DO NOTHING
	RETURNING id`

const postgresSelectID = `SELECT id FROM trades
	WHERE strategy_id = $1 AND order_id = $2 AND side = $3 AND fill_cursor = $4`

// PostgresSink is the shared relational trade sink, used when several workers
// write into one database.
type PostgresSink struct {
	db     *sql.DB
	logger core.ILogger

	mu        sync.Mutex
	rawColumn bool
}

// pingPolicy covers the worker racing a shared database through startup.
var pingPolicy = retry.Policy{
	MaxAttempts:   5,
	BaseDelay:     500 * time.Millisecond,
	BackoffFactor: 2,
	MaxDelay:      5 * time.Second,
}

func NewPostgresSink(dsn string, logger core.ILogger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = retry.Do(context.Background(), pingPolicy, retry.Transient, func() error {
		if err := db.Ping(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create trades schema: %w", err)
	}

	return &PostgresSink{db: db, logger: logger}, nil
}

// Save appends one trade record, resolving duplicates to the original row id.
func (p *PostgresSink) Save(ctx context.Context, rec *core.TradeRecord) (int64, error) {
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
	query := postgresInsert
	if rec.RawOrderInfo != "" {
		if err := p.ensureRawColumn(ctx); err != nil {
			return 0, err
		}
		query = postgresInsertWithRaw
		args = append(args, rec.RawOrderInfo)
	}

	var id int64
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}

	// Conflict path: the row already exists from an earlier attempt.
	err = p.db.QueryRowContext(ctx, postgresSelectID,
		rec.StrategyID, rec.OrderID, string(rec.Side), rec.FillCursor).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve duplicate trade id: %w", err)
	}
	if p.logger != nil {
		p.logger.Debug("Duplicate trade record ignored", "order_id", rec.OrderID, "fill_cursor", rec.FillCursor)
	}
	return id, nil
}

func (p *PostgresSink) ensureRawColumn(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rawColumn {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `ALTER TABLE trades ADD COLUMN IF NOT EXISTS raw_order_info TEXT`)
	if err != nil {
		return fmt.Errorf("failed to add raw_order_info column: %w", err)
	}
	p.rawColumn = true
	return nil
}

func (p *PostgresSink) Close() error {
	return p.db.Close()
}

var _ TradeStore = (*PostgresSink)(nil)
