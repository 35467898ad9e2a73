package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// SQLiteStorage persists the journal in a single SQLite file. Monetary
// columns are TEXT holding canonical decimal strings so values round-trip
// without float drift; timestamps are RFC 3339 UTC.
type SQLiteStorage struct {
	db  *sql.DB
	log *logrus.Logger

	// Serializes ReplaceDerived transactions; partitions are disjoint but
	// SQLite allows only one writer at a time anyway.
	writeMu sync.Mutex
}

// OpenSQLite opens (or creates) the database and runs migrations.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &SQLiteStorage{db: db, log: logrus.StandardLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

// SetLogger replaces the logger used for storage diagnostics.
func (s *SQLiteStorage) SetLogger(log *logrus.Logger) {
	if log != nil {
		s.log = log
	}
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) migrate() error {
	version := 0
	// Try to read current version
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS executions (
				exec_id        TEXT PRIMARY KEY,
				order_id       TEXT NOT NULL DEFAULT '',
				perm_id        TEXT NOT NULL DEFAULT '',
				underlying     TEXT NOT NULL,
				security_type  TEXT NOT NULL,
				option_type    TEXT NOT NULL DEFAULT '',
				strike         TEXT NOT NULL DEFAULT '0',
				expiration     TEXT,
				multiplier     TEXT NOT NULL,
				side           TEXT NOT NULL,
				quantity       TEXT NOT NULL,
				price          TEXT NOT NULL,
				commission     TEXT NOT NULL,
				net_amount     TEXT NOT NULL,
				execution_time TEXT NOT NULL,
				account_id     TEXT NOT NULL DEFAULT '',
				open_close     TEXT NOT NULL DEFAULT '',
				trade_id       TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_executions_underlying_time
				ON executions(underlying, execution_time, exec_id);
			CREATE INDEX IF NOT EXISTS idx_executions_trade ON executions(trade_id);

			CREATE TABLE IF NOT EXISTS trades (
				id                     TEXT PRIMARY KEY,
				underlying             TEXT NOT NULL,
				strategy_type          TEXT NOT NULL,
				status                 TEXT NOT NULL,
				opened_at              TEXT NOT NULL,
				closed_at              TEXT,
				num_legs               INTEGER NOT NULL,
				num_executions         INTEGER NOT NULL,
				opening_cost           TEXT NOT NULL,
				realized_pnl           TEXT NOT NULL,
				total_commission       TEXT NOT NULL,
				wash_sale_adjustment   TEXT NOT NULL DEFAULT '0',
				roll_chain_id          TEXT NOT NULL DEFAULT '',
				rolled_from_trade_id   TEXT NOT NULL DEFAULT '',
				rolled_to_trade_id     TEXT NOT NULL DEFAULT '',
				is_roll                INTEGER NOT NULL DEFAULT 0,
				is_assignment          INTEGER NOT NULL DEFAULT 0,
				assigned_from_trade_id TEXT NOT NULL DEFAULT '',
				legs_json              TEXT NOT NULL DEFAULT '[]',
				analytics_json         TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_trades_underlying ON trades(underlying, opened_at);
			CREATE INDEX IF NOT EXISTS idx_trades_chain ON trades(roll_chain_id);

			CREATE TABLE IF NOT EXISTS position_ledger (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				underlying   TEXT NOT NULL,
				leg_key      TEXT NOT NULL,
				seq          INTEGER NOT NULL,
				quantity     TEXT NOT NULL,
				avg_cost     TEXT NOT NULL,
				total_cost   TEXT NOT NULL,
				realized_pnl TEXT NOT NULL,
				status       TEXT NOT NULL,
				opened_at    TEXT NOT NULL,
				closed_at    TEXT,
				trade_id     TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS trade_leg_greeks (
				trade_id    TEXT NOT NULL,
				leg_key     TEXT NOT NULL,
				stage       TEXT NOT NULL,
				captured_at TEXT NOT NULL,
				delta       TEXT NOT NULL DEFAULT '0',
				gamma       TEXT NOT NULL DEFAULT '0',
				theta       TEXT NOT NULL DEFAULT '0',
				vega        TEXT NOT NULL DEFAULT '0',
				iv          TEXT NOT NULL DEFAULT '0',
				PRIMARY KEY (trade_id, leg_key, stage)
			);

			CREATE TABLE IF NOT EXISTS stock_splits (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol     TEXT NOT NULL,
				split_date TEXT NOT NULL,
				ratio_from TEXT NOT NULL,
				ratio_to   TEXT NOT NULL,
				UNIQUE (symbol, split_date)
			);

			CREATE TABLE IF NOT EXISTS margin_settings (
				underlying      TEXT PRIMARY KEY,
				naked_put_pct   TEXT NOT NULL,
				naked_call_pct  TEXT NOT NULL,
				spread_pct      TEXT NOT NULL,
				iron_condor_pct TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS trade_tags (
				trade_id TEXT NOT NULL,
				tag      TEXT NOT NULL,
				PRIMARY KEY (trade_id, tag)
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.log.WithField("version", 1).Debug("applied schema migration")
	}

	return nil
}

// fmtTime renders a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// nullTime renders an optional timestamp, mapping the zero value to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// decCol adapts a decimal TEXT column for scanning.
type decCol struct{ d *decimal.Decimal }

func (c decCol) Scan(v any) error {
	switch s := v.(type) {
	case nil:
		*c.d = decimal.Zero
		return nil
	case string:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse stored decimal %q: %w", s, err)
		}
		*c.d = d
		return nil
	case []byte:
		return c.Scan(string(s))
	}
	return fmt.Errorf("decimal column: unsupported type %T", v)
}

// timeCol adapts a required RFC 3339 TEXT column for scanning.
type timeCol struct{ t *time.Time }

func (c timeCol) Scan(v any) error {
	switch s := v.(type) {
	case string:
		t, err := parseTime(s)
		if err != nil {
			return err
		}
		*c.t = t
		return nil
	case []byte:
		return c.Scan(string(s))
	case time.Time:
		*c.t = s.UTC()
		return nil
	}
	return fmt.Errorf("time column: unsupported type %T", v)
}

// nullTimeCol adapts an optional timestamp column; NULL maps to the zero
// value or a nil pointer.
type nullTimeCol struct{ t *time.Time }

func (c nullTimeCol) Scan(v any) error {
	if v == nil {
		*c.t = time.Time{}
		return nil
	}
	return timeCol{c.t}.Scan(v)
}

// SaveExecutions inserts executions, ignoring exec_ids already stored, and
// reports how many rows were new.
func (s *SQLiteStorage) SaveExecutions(ctx context.Context, execs []models.Execution) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO executions (
			exec_id, order_id, perm_id, underlying, security_type, option_type,
			strike, expiration, multiplier, side, quantity, price, commission,
			net_amount, execution_time, account_id, open_close, trade_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range execs {
		e := &execs[i]
		res, err := stmt.ExecContext(ctx,
			e.ExecID, e.OrderID, e.PermID, e.Underlying, string(e.SecurityType),
			string(e.OptionType), e.Strike.String(), nullTime(e.Expiration),
			e.Multiplier.String(), string(e.Side), e.Quantity.String(),
			e.Price.String(), e.Commission.String(), e.NetAmount.String(),
			fmtTime(e.ExecutionTime), e.AccountID, string(e.OpenCloseIndicator),
			e.TradeID,
		)
		if err != nil {
			return 0, fmt.Errorf("insert execution %s: %w", e.ExecID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

const execColumns = `exec_id, order_id, perm_id, underlying, security_type, option_type,
	strike, expiration, multiplier, side, quantity, price, commission,
	net_amount, execution_time, account_id, open_close, trade_id`

func scanExecution(rows *sql.Rows) (models.Execution, error) {
	var e models.Execution
	var secType, optType, side, openClose string
	err := rows.Scan(
		&e.ExecID, &e.OrderID, &e.PermID, &e.Underlying, &secType, &optType,
		decCol{&e.Strike}, nullTimeCol{&e.Expiration}, decCol{&e.Multiplier},
		&side, decCol{&e.Quantity}, decCol{&e.Price}, decCol{&e.Commission},
		decCol{&e.NetAmount}, timeCol{&e.ExecutionTime}, &e.AccountID,
		&openClose, &e.TradeID,
	)
	if err != nil {
		return e, err
	}
	e.SecurityType = models.SecurityType(secType)
	e.OptionType = models.OptionType(optType)
	e.Side = models.Side(side)
	e.OpenCloseIndicator = models.OpenCloseIndicator(openClose)
	return e, nil
}

// ListExecutions returns executions in replay order: ascending execution
// time, ties broken by exec_id. An empty underlying means all symbols.
func (s *SQLiteStorage) ListExecutions(ctx context.Context, underlying string) ([]models.Execution, error) {
	q := "SELECT " + execColumns + " FROM executions"
	var args []any
	if underlying != "" {
		q += " WHERE underlying = ?"
		args = append(args, underlying)
	}
	q += " ORDER BY execution_time, exec_id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Underlyings returns the distinct symbols with stored executions, sorted.
func (s *SQLiteStorage) Underlyings(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT underlying FROM executions ORDER BY underlying")
	if err != nil {
		return nil, fmt.Errorf("list underlyings: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// ReplaceDerived atomically swaps the derived state of one underlying: its
// trades, ledger rows, and execution back-links. User tags survive because
// trade IDs are deterministic across reprocessing.
func (s *SQLiteStorage) ReplaceDerived(ctx context.Context, underlying string, trades []*models.Trade, entries []models.LedgerEntry, execTrades map[string]string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM trades WHERE underlying = ?", underlying); err != nil {
		return fmt.Errorf("clear trades: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM position_ledger WHERE underlying = ?", underlying); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE executions SET trade_id = '' WHERE underlying = ?", underlying); err != nil {
		return fmt.Errorf("clear execution links: %w", err)
	}

	for _, tr := range trades {
		if err := insertTrade(ctx, tx, tr); err != nil {
			return err
		}
	}

	entryStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO position_ledger (
			underlying, leg_key, seq, quantity, avg_cost, total_cost,
			realized_pnl, status, opened_at, closed_at, trade_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer entryStmt.Close()
	for i := range entries {
		en := &entries[i]
		var closedAt any
		if en.ClosedAt != nil {
			closedAt = fmtTime(*en.ClosedAt)
		}
		if _, err := entryStmt.ExecContext(ctx,
			en.Underlying, en.LegKey, en.ID, en.Quantity.String(),
			en.AvgCost.String(), en.TotalCost.String(), en.RealizedPnL.String(),
			string(en.Status), fmtTime(en.OpenedAt), closedAt, en.TradeID,
		); err != nil {
			return fmt.Errorf("insert ledger row: %w", err)
		}
	}

	linkStmt, err := tx.PrepareContext(ctx, "UPDATE executions SET trade_id = ? WHERE exec_id = ?")
	if err != nil {
		return fmt.Errorf("prepare link update: %w", err)
	}
	defer linkStmt.Close()
	for execID, tradeID := range execTrades {
		if _, err := linkStmt.ExecContext(ctx, tradeID, execID); err != nil {
			return fmt.Errorf("link execution %s: %w", execID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertTrade(ctx context.Context, tx *sql.Tx, tr *models.Trade) error {
	legsJSON, err := json.Marshal(tr.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs for trade %s: %w", tr.ID, err)
	}
	var analyticsJSON any
	if tr.Analytics != nil {
		b, err := json.Marshal(tr.Analytics)
		if err != nil {
			return fmt.Errorf("marshal analytics for trade %s: %w", tr.ID, err)
		}
		analyticsJSON = string(b)
	}
	var closedAt any
	if tr.ClosedAt != nil {
		closedAt = fmtTime(*tr.ClosedAt)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, underlying, strategy_type, status, opened_at, closed_at,
			num_legs, num_executions, opening_cost, realized_pnl,
			total_commission, wash_sale_adjustment, roll_chain_id,
			rolled_from_trade_id, rolled_to_trade_id, is_roll, is_assignment,
			assigned_from_trade_id, legs_json, analytics_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Underlying, string(tr.StrategyType), string(tr.Status),
		fmtTime(tr.OpenedAt), closedAt, tr.NumLegs, tr.NumExecutions,
		tr.OpeningCost.String(), tr.RealizedPnL.String(),
		tr.TotalCommission.String(), tr.WashSaleAdjustment.String(),
		tr.RollChainID, tr.RolledFromTradeID, tr.RolledToTradeID,
		tr.IsRoll, tr.IsAssignment, tr.AssignedFromTradeID,
		string(legsJSON), analyticsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

// UpdateRollLinks rewrites only the roll columns of the given trades.
func (s *SQLiteStorage) UpdateRollLinks(ctx context.Context, trades []*models.Trade) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE trades SET roll_chain_id = ?, rolled_from_trade_id = ?,
			rolled_to_trade_id = ?, is_roll = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare roll update: %w", err)
	}
	defer stmt.Close()

	for _, tr := range trades {
		if _, err := stmt.ExecContext(ctx,
			tr.RollChainID, tr.RolledFromTradeID, tr.RolledToTradeID,
			tr.IsRoll, tr.ID,
		); err != nil {
			return fmt.Errorf("update roll links for %s: %w", tr.ID, err)
		}
	}
	return tx.Commit()
}

const tradeColumns = `id, underlying, strategy_type, status, opened_at, closed_at,
	num_legs, num_executions, opening_cost, realized_pnl, total_commission,
	wash_sale_adjustment, roll_chain_id, rolled_from_trade_id,
	rolled_to_trade_id, is_roll, is_assignment, assigned_from_trade_id,
	legs_json, analytics_json`

func scanTrade(rows *sql.Rows) (*models.Trade, error) {
	tr := &models.Trade{}
	var strategy, status, legsJSON string
	var closedAt time.Time
	var analyticsJSON sql.NullString
	err := rows.Scan(
		&tr.ID, &tr.Underlying, &strategy, &status, timeCol{&tr.OpenedAt},
		nullTimeCol{&closedAt}, &tr.NumLegs, &tr.NumExecutions,
		decCol{&tr.OpeningCost}, decCol{&tr.RealizedPnL},
		decCol{&tr.TotalCommission}, decCol{&tr.WashSaleAdjustment},
		&tr.RollChainID, &tr.RolledFromTradeID, &tr.RolledToTradeID,
		&tr.IsRoll, &tr.IsAssignment, &tr.AssignedFromTradeID,
		&legsJSON, &analyticsJSON,
	)
	if err != nil {
		return nil, err
	}
	tr.StrategyType = models.StrategyType(strategy)
	tr.Status = models.TradeStatus(status)
	if !closedAt.IsZero() {
		tr.ClosedAt = &closedAt
	}
	if err := json.Unmarshal([]byte(legsJSON), &tr.Legs); err != nil {
		return nil, fmt.Errorf("unmarshal legs for trade %s: %w", tr.ID, err)
	}
	if analyticsJSON.Valid && analyticsJSON.String != "" {
		tr.Analytics = &models.TradeAnalytics{}
		if err := json.Unmarshal([]byte(analyticsJSON.String), tr.Analytics); err != nil {
			return nil, fmt.Errorf("unmarshal analytics for trade %s: %w", tr.ID, err)
		}
	}
	return tr, nil
}

// GetTrade loads one trade with its tags and Greek snapshots, or ErrNotFound.
func (s *SQLiteStorage) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	tr, err := scanTrade(rows)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	if tr.Tags, err = s.tradeTags(ctx, tr.ID); err != nil {
		return nil, err
	}
	if tr.LegGreeks, err = s.ListLegGreeks(ctx, tr.ID); err != nil {
		return nil, err
	}
	return tr, nil
}

// ListTrades returns trades newest first, filtered per f.
func (s *SQLiteStorage) ListTrades(ctx context.Context, f TradeFilter) ([]*models.Trade, error) {
	q := "SELECT " + tradeColumns + " FROM trades"
	var conds []string
	var args []any
	if f.Underlying != "" {
		conds = append(conds, "underlying = ?")
		args = append(args, f.Underlying)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Strategy != "" {
		conds = append(conds, "strategy_type = ?")
		args = append(args, string(f.Strategy))
	}
	if f.Tag != "" {
		conds = append(conds, "id IN (SELECT trade_id FROM trade_tags WHERE tag = ?)")
		args = append(args, f.Tag)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY opened_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, tr := range out {
		if tr.Tags, err = s.tradeTags(ctx, tr.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetRollChain returns all trades on a chain in opened_at order.
func (s *SQLiteStorage) GetRollChain(ctx context.Context, chainID string) ([]*models.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE roll_chain_id = ? ORDER BY opened_at, id", chainID)
	if err != nil {
		return nil, fmt.Errorf("get roll chain: %w", err)
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListLedger returns ledger rows for an underlying in application order.
func (s *SQLiteStorage) ListLedger(ctx context.Context, underlying string) ([]models.LedgerEntry, error) {
	q := `SELECT seq, underlying, leg_key, quantity, avg_cost, total_cost,
		realized_pnl, status, opened_at, closed_at, trade_id
		FROM position_ledger`
	var args []any
	if underlying != "" {
		q += " WHERE underlying = ?"
		args = append(args, underlying)
	}
	q += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var en models.LedgerEntry
		var status string
		var closedAt time.Time
		if err := rows.Scan(
			&en.ID, &en.Underlying, &en.LegKey, decCol{&en.Quantity},
			decCol{&en.AvgCost}, decCol{&en.TotalCost}, decCol{&en.RealizedPnL},
			&status, timeCol{&en.OpenedAt}, nullTimeCol{&closedAt}, &en.TradeID,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		en.Status = models.LedgerStatus(status)
		if !closedAt.IsZero() {
			en.ClosedAt = &closedAt
		}
		out = append(out, en)
	}
	return out, rows.Err()
}

// SaveLegGreeks upserts Greek snapshots keyed by (trade, leg, stage).
func (s *SQLiteStorage) SaveLegGreeks(ctx context.Context, greeks []models.LegGreeks) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO trade_leg_greeks (
			trade_id, leg_key, stage, captured_at, delta, gamma, theta, vega, iv
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare greeks upsert: %w", err)
	}
	defer stmt.Close()

	for i := range greeks {
		g := &greeks[i]
		if _, err := stmt.ExecContext(ctx,
			g.TradeID, g.LegKey, string(g.Stage), fmtTime(g.CapturedAt),
			g.Delta.String(), g.Gamma.String(), g.Theta.String(),
			g.Vega.String(), g.IV.String(),
		); err != nil {
			return fmt.Errorf("upsert greeks for %s/%s: %w", g.TradeID, g.LegKey, err)
		}
	}
	return tx.Commit()
}

// ListLegGreeks returns stored snapshots for one trade.
func (s *SQLiteStorage) ListLegGreeks(ctx context.Context, tradeID string) ([]models.LegGreeks, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, leg_key, stage, captured_at, delta, gamma, theta, vega, iv
		FROM trade_leg_greeks WHERE trade_id = ? ORDER BY leg_key, stage`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list greeks: %w", err)
	}
	defer rows.Close()

	var out []models.LegGreeks
	for rows.Next() {
		var g models.LegGreeks
		var stage string
		if err := rows.Scan(
			&g.TradeID, &g.LegKey, &stage, timeCol{&g.CapturedAt},
			decCol{&g.Delta}, decCol{&g.Gamma}, decCol{&g.Theta},
			decCol{&g.Vega}, decCol{&g.IV},
		); err != nil {
			return nil, fmt.Errorf("scan greeks: %w", err)
		}
		g.Stage = models.GreeksStage(stage)
		out = append(out, g)
	}
	return out, rows.Err()
}

// SaveSplit stores a split, assigning its ID. A second split for the same
// symbol and date returns ErrDuplicateSplit.
func (s *SQLiteStorage) SaveSplit(ctx context.Context, split *models.StockSplit) error {
	if err := split.Validate(); err != nil {
		return err
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM stock_splits WHERE symbol = ? AND split_date = ?",
		split.Symbol, fmtTime(split.SplitDate)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check split: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%s on %s: %w", split.Symbol,
			split.SplitDate.Format("2006-01-02"), ErrDuplicateSplit)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_splits (symbol, split_date, ratio_from, ratio_to)
		VALUES (?, ?, ?, ?)`,
		split.Symbol, fmtTime(split.SplitDate),
		split.RatioFrom.String(), split.RatioTo.String())
	if err != nil {
		return fmt.Errorf("insert split: %w", err)
	}
	split.ID, _ = res.LastInsertId()
	return nil
}

// ListSplits returns the full calendar ordered by date then ID.
func (s *SQLiteStorage) ListSplits(ctx context.Context) ([]models.StockSplit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, split_date, ratio_from, ratio_to
		FROM stock_splits ORDER BY split_date, id`)
	if err != nil {
		return nil, fmt.Errorf("list splits: %w", err)
	}
	defer rows.Close()

	var out []models.StockSplit
	for rows.Next() {
		var sp models.StockSplit
		if err := rows.Scan(
			&sp.ID, &sp.Symbol, timeCol{&sp.SplitDate},
			decCol{&sp.RatioFrom}, decCol{&sp.RatioTo},
		); err != nil {
			return nil, fmt.Errorf("scan split: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// GetMarginSettings returns the stored row for an underlying, or the
// defaults when none exists.
func (s *SQLiteStorage) GetMarginSettings(ctx context.Context, underlying string) (models.MarginSettings, error) {
	ms := models.MarginSettings{Underlying: underlying}
	err := s.db.QueryRowContext(ctx, `
		SELECT naked_put_pct, naked_call_pct, spread_pct, iron_condor_pct
		FROM margin_settings WHERE underlying = ?`, underlying).Scan(
		decCol{&ms.NakedPutPct}, decCol{&ms.NakedCallPct},
		decCol{&ms.SpreadPct}, decCol{&ms.IronCondorPct})
	if err == sql.ErrNoRows {
		return models.DefaultMarginSettings(underlying), nil
	}
	if err != nil {
		return ms, fmt.Errorf("get margin settings: %w", err)
	}
	return ms, nil
}

// SaveMarginSettings upserts an underlying's margin percentages.
func (s *SQLiteStorage) SaveMarginSettings(ctx context.Context, ms models.MarginSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO margin_settings (
			underlying, naked_put_pct, naked_call_pct, spread_pct, iron_condor_pct
		) VALUES (?, ?, ?, ?, ?)`,
		ms.Underlying, ms.NakedPutPct.String(), ms.NakedCallPct.String(),
		ms.SpreadPct.String(), ms.IronCondorPct.String())
	if err != nil {
		return fmt.Errorf("save margin settings: %w", err)
	}
	return nil
}

// AddTradeTag attaches a tag to a trade; re-adding is a no-op.
func (s *SQLiteStorage) AddTradeTag(ctx context.Context, tradeID, tag string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO trade_tags (trade_id, tag) VALUES (?, ?)", tradeID, tag)
	if err != nil {
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}

// RemoveTradeTag detaches a tag from a trade.
func (s *SQLiteStorage) RemoveTradeTag(ctx context.Context, tradeID, tag string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM trade_tags WHERE trade_id = ? AND tag = ?", tradeID, tag)
	if err != nil {
		return fmt.Errorf("remove tag: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) tradeTags(ctx context.Context, tradeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag FROM trade_tags WHERE trade_id = ? ORDER BY tag", tradeID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}
