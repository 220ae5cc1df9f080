// Package journal records opened and closed positions in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Carsten0007/Tradingbot-2/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    instrument TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    size TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    exit_price TEXT,
    pnl TEXT,
    reason TEXT,
    status TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_trades_deal ON trades(deal_id, status);
`

// Trade is one journal row.
type Trade struct {
	ID         string
	Instrument string
	DealID     string
	Direction  models.Direction
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.NullDecimal
	PnL        decimal.NullDecimal
	Reason     string
	Status     string
	OpenedAt   time.Time
	ClosedAt   sql.NullTime
}

// Journal wraps the SQL handle.
type Journal struct {
	DB  *sql.DB
	now func() time.Time
}

// New opens (and creates if needed) the journal database at path.
func New(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{DB: db, now: time.Now}, nil
}

// Close releases the underlying DB handle.
func (j *Journal) Close() error {
	if j == nil || j.DB == nil {
		return nil
	}
	return j.DB.Close()
}

// RecordOpen inserts an open trade.
func (j *Journal) RecordOpen(ctx context.Context, p *models.OpenPosition) error {
	opened := p.OpenedAt
	if opened.IsZero() {
		opened = j.now()
	}
	_, err := j.DB.ExecContext(ctx, `
		INSERT INTO trades (id, instrument, deal_id, direction, size, entry_price, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?)`,
		uuid.NewString(),
		p.Instrument,
		p.DealID,
		string(p.Direction),
		decimal.NewFromFloat(p.Size).String(),
		decimal.NewFromFloat(p.EntryPrice).String(),
		opened.UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal open %s: %w", p.DealID, err)
	}
	return nil
}

// RecordClose marks the open row for the deal as closed. A deal without an
// open row (e.g. adopted after a restart) gets a closed row of its own.
func (j *Journal) RecordClose(ctx context.Context, p *models.OpenPosition, exitPrice float64, reason string) error {
	size := decimal.NewFromFloat(p.Size)
	entry := decimal.NewFromFloat(p.EntryPrice)
	var pnl, exit decimal.NullDecimal
	if exitPrice > 0 {
		exit = decimal.NewNullDecimal(decimal.NewFromFloat(exitPrice))
		pnl = decimal.NewNullDecimal(RealizedPnL(p.Direction, entry, exit.Decimal, size))
	}
	closed := j.now().UTC()

	res, err := j.DB.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, pnl = ?, reason = ?, status = 'closed', closed_at = ?
		WHERE deal_id = ? AND status = 'open'`,
		nullString(exit), nullString(pnl), reason, closed, p.DealID,
	)
	if err != nil {
		return fmt.Errorf("journal close %s: %w", p.DealID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	opened := p.OpenedAt
	if opened.IsZero() {
		opened = closed
	}
	_, err = j.DB.ExecContext(ctx, `
		INSERT INTO trades (id, instrument, deal_id, direction, size, entry_price, exit_price, pnl, reason, status, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'closed', ?, ?)`,
		uuid.NewString(), p.Instrument, p.DealID, string(p.Direction),
		size.String(), entry.String(), nullString(exit), nullString(pnl), reason,
		opened.UTC(), closed,
	)
	if err != nil {
		return fmt.Errorf("journal close %s: %w", p.DealID, err)
	}
	return nil
}

// RealizedPnL is the signed result of a round trip.
func RealizedPnL(dir models.Direction, entry, exit, size decimal.Decimal) decimal.Decimal {
	if dir == models.Sell {
		return entry.Sub(exit).Mul(size)
	}
	return exit.Sub(entry).Mul(size)
}

// Trades returns the newest trades first.
func (j *Journal) Trades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.DB.QueryContext(ctx, `
		SELECT id, instrument, deal_id, direction, size, entry_price, exit_price, pnl, COALESCE(reason, ''), status, opened_at, closed_at
		FROM trades ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ClosedBetween returns trades closed in [from, to), oldest first,
// optionally for one instrument.
func (j *Journal) ClosedBetween(ctx context.Context, from, to time.Time, instrument string) ([]Trade, error) {
	query := `
		SELECT id, instrument, deal_id, direction, size, entry_price, exit_price, pnl, COALESCE(reason, ''), status, opened_at, closed_at
		FROM trades WHERE status = 'closed' AND closed_at >= ? AND closed_at < ?`
	args := []interface{}{from.UTC(), to.UTC()}
	if instrument != "" {
		query += ` AND instrument = ?`
		args = append(args, instrument)
	}
	rows, err := j.DB.QueryContext(ctx, query+` ORDER BY closed_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]Trade, error) {
	var out []Trade
	for rows.Next() {
		var (
			t           Trade
			dir         string
			size, entry string
		)
		if err := rows.Scan(&t.ID, &t.Instrument, &t.DealID, &dir, &size, &entry, &t.ExitPrice, &t.PnL, &t.Reason, &t.Status, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		var err error
		t.Direction = models.Direction(dir)
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("trade %s size: %w", t.ID, err)
		}
		if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("trade %s entry: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TotalPnL sums realized PnL over closed trades, optionally for one
// instrument.
func (j *Journal) TotalPnL(ctx context.Context, instrument string) (decimal.Decimal, error) {
	query := `SELECT pnl FROM trades WHERE status = 'closed' AND pnl IS NOT NULL`
	args := []interface{}{}
	if instrument != "" {
		query += ` AND instrument = ?`
		args = append(args, instrument)
	}
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, fmt.Errorf("scan pnl: %w", err)
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

func nullString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}
