package store

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/momentum-trader/internal/config"
	"github.com/rickgao/momentum-trader/internal/model"
)

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.StoreConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                 UUID PRIMARY KEY,
	symbol             TEXT NOT NULL,
	direction          SMALLINT NOT NULL,
	qty                BIGINT NOT NULL,
	entry_price        NUMERIC(18,4) NOT NULL,
	entry_at           TIMESTAMPTZ NOT NULL,
	stop_price         NUMERIC(18,4) NOT NULL,
	take_profit_price  NUMERIC(18,4) NOT NULL,
	max_hold_until     TIMESTAMPTZ NOT NULL,
	status             TEXT NOT NULL,
	origin_article_id  TEXT NOT NULL,
	exit_price         NUMERIC(18,4),
	exit_at            TIMESTAMPTZ,
	pnl                NUMERIC(18,4)
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions (symbol);
`

// PostgresStore is the pgx-backed position ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect creates the connection pool, verifies it, and ensures the schema
// exists.
func Connect(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) OpenPosition(ctx context.Context, p model.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (
			id, symbol, direction, qty, entry_price, entry_at,
			stop_price, take_profit_price, max_hold_until, status, origin_article_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Symbol, int16(p.Direction), p.Qty, p.EntryPrice, p.EntryAt,
		p.StopPrice, p.TakeProfitPrice, p.MaxHoldUntil, string(p.Status), p.OriginArticleID,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, p model.Position) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions
		SET status = $2, exit_price = $3, exit_at = $4, pnl = $5
		WHERE id = $1`,
		p.ID, string(p.Status), p.ExitPrice, p.ExitAt, p.PnL,
	)
	if err != nil {
		return fmt.Errorf("close position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close position %s: not found", p.ID)
	}
	return nil
}

func (s *PostgresStore) MarkStatus(ctx context.Context, id uuid.UUID, status model.PositionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("mark position %s %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark position %s: not found", id)
	}
	return nil
}

func (s *PostgresStore) ListOpen(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, direction, qty, entry_price, entry_at,
		       stop_price, take_profit_price, max_hold_until, status, origin_article_id
		FROM positions
		WHERE status != 'closed'
		ORDER BY entry_at`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var direction int16
		var status string
		if err := rows.Scan(
			&p.ID, &p.Symbol, &direction, &p.Qty, &p.EntryPrice, &p.EntryAt,
			&p.StopPrice, &p.TakeProfitPrice, &p.MaxHoldUntil, &status, &p.OriginArticleID,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Direction = model.Direction(direction)
		p.Status = model.PositionStatus(status)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies the connection is healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
