package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary and PV values are stored as NUMERIC for exact decimal
// precision and exchanged as text.
type PostgresStore struct {
	pgOps
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgOps: pgOps{q: pool}, pool: pool}
}

// Connect opens a tuned connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Ops) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgOps{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx. Begin on a
// pgx.Tx opens a savepoint, so multi-statement operations stay atomic
// whether or not the caller already runs inside InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pgOps struct {
	q querier
}

func (o *pgOps) atomic(ctx context.Context, fn func(q querier) error) error {
	tx, err := o.q.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func ledgerTable(asset model.Asset) (string, error) {
	switch asset {
	case model.AssetPV:
		return "pv_ledger_entries", nil
	case model.AssetPoints:
		return "points_ledger_entries", nil
	default:
		return "", fmt.Errorf("unknown ledger asset %q", asset)
	}
}

// whereBuilder accumulates positional predicates.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, v any) {
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func kindStrings(kinds []model.SourceKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func ledgerWhere(table string, f LedgerFilter) *whereBuilder {
	w := &whereBuilder{}
	if f.OwnerUserID != "" {
		w.add("owner_user_id = $%d", f.OwnerUserID)
	}
	if len(f.SourceKinds) > 0 {
		w.add("source_kind = ANY($%d)", kindStrings(f.SourceKinds))
	}
	if len(f.ExcludeKinds) > 0 {
		w.add("NOT (source_kind = ANY($%d))", kindStrings(f.ExcludeKinds))
	}
	if f.SourceID != "" {
		w.add("source_id = $%d", f.SourceID)
	}
	if f.Direction != "" {
		w.add("direction = $%d", string(f.Direction))
	}
	if f.ReversalOfID != "" {
		w.add("reversal_of_entry_id = $%d", f.ReversalOfID)
	}
	if len(f.ReversesKinds) > 0 {
		w.add("reversal_of_entry_id IN (SELECT id FROM "+table+" WHERE source_kind = ANY($%d))",
			kindStrings(f.ReversesKinds))
	}
	if !f.From.IsZero() {
		w.add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at < $%d", f.To)
	}
	return w
}

// LockOwner takes a transaction-scoped advisory lock on the owner.
func (o *pgOps) LockOwner(ctx context.Context, userID string) error {
	if _, err := o.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock owner %s: %w", userID, err)
	}
	return nil
}

// --- Ledgers ---

func (o *pgOps) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) (bool, error) {
	table, err := ledgerTable(e.Asset)
	if err != nil {
		return false, err
	}
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)

	tag, err := o.q.Exec(ctx,
		`INSERT INTO `+table+` (id, owner_user_id, counterparty_user_id, side, level, amount, direction,
		        source_kind, source_id, adjustment_batch_id, reversal_of_entry_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (source_kind, source_id, owner_user_id, side, direction) DO NOTHING`,
		e.ID, e.OwnerUserID, e.CounterpartyUserID, string(e.Side), e.Level, e.Amount.String(),
		string(e.Direction), string(e.SourceKind), e.SourceID,
		e.AdjustmentBatchID, e.ReversalOfEntryID, e.Note, e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert %s entry: %w", e.Asset, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (o *pgOps) ListLedgerEntries(ctx context.Context, asset model.Asset, f LedgerFilter) ([]model.LedgerEntry, error) {
	table, err := ledgerTable(asset)
	if err != nil {
		return nil, err
	}
	w := ledgerWhere(table, f)
	rows, err := o.q.Query(ctx,
		`SELECT id, owner_user_id, counterparty_user_id, side, level, amount::TEXT, direction,
		        source_kind, source_id, adjustment_batch_id, reversal_of_entry_id, note, created_at
		 FROM `+table+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e := model.LedgerEntry{Asset: asset}
		var side, direction, kind, amount string
		if err := rows.Scan(&e.ID, &e.OwnerUserID, &e.CounterpartyUserID, &side, &e.Level, &amount,
			&direction, &kind, &e.SourceID, &e.AdjustmentBatchID, &e.ReversalOfEntryID, &e.Note,
			&e.CreatedAt); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		e.Direction = model.Direction(direction)
		e.SourceKind = model.SourceKind(kind)
		e.Amount = dec(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *pgOps) SumLedger(ctx context.Context, asset model.Asset, f LedgerFilter) (model.SideTotals, error) {
	var t model.SideTotals
	table, err := ledgerTable(asset)
	if err != nil {
		return t, err
	}
	w := ledgerWhere(table, f)
	rows, err := o.q.Query(ctx,
		`SELECT side,
		        COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)::TEXT
		 FROM `+table+w.String()+` GROUP BY side`, w.args...)
	if err != nil {
		return t, err
	}
	defer rows.Close()

	for rows.Next() {
		var side, sum string
		if err := rows.Scan(&side, &sum); err != nil {
			return t, err
		}
		switch model.Side(side) {
		case model.SideLeft:
			t.Left = dec(sum)
		case model.SideRight:
			t.Right = dec(sum)
		default:
			t.Unsided = t.Unsided.Add(dec(sum))
		}
	}
	return t, rows.Err()
}

// --- Purchases ---

func (o *pgOps) RecordPurchase(ctx context.Context, p *model.Purchase) (bool, error) {
	p.CreatedAt = stamp(p.CreatedAt)
	tag, err := o.q.Exec(ctx,
		`INSERT INTO purchases (order_id, buyer_user_id, point_value, quantity, total_pv, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6)
		 ON CONFLICT (order_id) DO NOTHING`,
		p.OrderID, p.BuyerUserID, p.PointValue.String(), p.Quantity, p.TotalPV.String(), p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("record purchase: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (o *pgOps) GetPurchase(ctx context.Context, orderID string) (*model.Purchase, error) {
	var p model.Purchase
	var pointValue, total string
	err := o.q.QueryRow(ctx,
		`SELECT order_id, buyer_user_id, point_value::TEXT, quantity, total_pv::TEXT, created_at
		 FROM purchases WHERE order_id = $1`, orderID).
		Scan(&p.OrderID, &p.BuyerUserID, &pointValue, &p.Quantity, &total, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "purchase "+orderID)
	}
	p.PointValue = dec(pointValue)
	p.TotalPV = dec(total)
	return &p, nil
}

func (o *pgOps) SumPurchaseVolume(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var sum string
	err := o.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_pv), 0)::TEXT FROM purchases
		 WHERE created_at >= $1 AND created_at < $2`, from, to).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(sum), nil
}

// --- Wallet ---

func (o *pgOps) ApplyWalletTransaction(ctx context.Context, t *model.WalletTransaction) (bool, error) {
	t.ID = newID(t.ID)
	t.CreatedAt = stamp(t.CreatedAt)

	inserted := false
	err := o.atomic(ctx, func(q querier) error {
		tag, err := q.Exec(ctx,
			`INSERT INTO wallet_transactions (id, user_id, amount, balance_after, remark, source_type,
			        source_id, adjustment_batch_id, reversal_of_id, created_at)
			 VALUES ($1, $2, $3::NUMERIC, 0, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (source_type, source_id, user_id, remark) DO NOTHING`,
			t.ID, t.UserID, t.Amount.String(), t.Remark, t.SourceType, t.SourceID,
			t.AdjustmentBatchID, t.ReversalOfID, t.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		var balance string
		err = q.QueryRow(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (user_id) DO UPDATE
			 SET balance = wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			 RETURNING balance::TEXT`,
			t.UserID, t.Amount.String(), t.CreatedAt).Scan(&balance)
		if err != nil {
			return err
		}
		t.BalanceAfter = dec(balance)

		if _, err := q.Exec(ctx,
			`UPDATE wallet_transactions SET balance_after = $2::NUMERIC WHERE id = $1`,
			t.ID, balance); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply wallet transaction: %w", err)
	}
	return inserted, nil
}

func (o *pgOps) WalletBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := o.q.QueryRow(ctx, `SELECT balance::TEXT FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return dec(balance), nil
}

func (o *pgOps) ListWalletTransactions(ctx context.Context, f WalletFilter) ([]model.WalletTransaction, error) {
	w := &whereBuilder{}
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.SourceType != "" {
		w.add("source_type = $%d", f.SourceType)
	}
	if f.SourceID != "" {
		w.add("source_id = $%d", f.SourceID)
	}
	if f.ReversalOfID != "" {
		w.add("reversal_of_id = $%d", f.ReversalOfID)
	}
	rows, err := o.q.Query(ctx,
		`SELECT id, user_id, amount::TEXT, balance_after::TEXT, remark, source_type, source_id,
		        adjustment_batch_id, reversal_of_id, created_at
		 FROM wallet_transactions`+w.String()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var amount, after string
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &after, &t.Remark, &t.SourceType, &t.SourceID,
			&t.AdjustmentBatchID, &t.ReversalOfID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount = dec(amount)
		t.BalanceAfter = dec(after)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Pending bonuses ---

const pendingColumns = `id, user_id, amount::TEXT, remark, source_type, source_id, release_at,
	released_at, cancelled_at, wallet_transaction_id, adjustment_batch_id, created_at`

func scanPending(rows pgx.Rows) ([]model.PendingBonus, error) {
	var out []model.PendingBonus
	for rows.Next() {
		var p model.PendingBonus
		var amount string
		if err := rows.Scan(&p.ID, &p.UserID, &amount, &p.Remark, &p.SourceType, &p.SourceID,
			&p.ReleaseAt, &p.ReleasedAt, &p.CancelledAt, &p.WalletTransactionID,
			&p.AdjustmentBatchID, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Amount = dec(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (o *pgOps) EnqueuePendingBonus(ctx context.Context, p *model.PendingBonus) (bool, error) {
	p.ID = newID(p.ID)
	p.CreatedAt = stamp(p.CreatedAt)
	tag, err := o.q.Exec(ctx,
		`INSERT INTO pending_bonuses (id, user_id, amount, remark, source_type, source_id, release_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)
		 ON CONFLICT (source_type, source_id, user_id, remark) DO NOTHING`,
		p.ID, p.UserID, p.Amount.String(), p.Remark, p.SourceType, p.SourceID, p.ReleaseAt, p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue pending bonus: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (o *pgOps) ListDuePendingBonuses(ctx context.Context, now time.Time, limit int) ([]model.PendingBonus, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := o.q.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_bonuses
		 WHERE released_at IS NULL AND cancelled_at IS NULL AND release_at <= $1
		 ORDER BY release_at, id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

func (o *pgOps) ListPendingBonuses(ctx context.Context, f PendingFilter) ([]model.PendingBonus, error) {
	w := &whereBuilder{}
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.SourceType != "" {
		w.add("source_type = $%d", f.SourceType)
	}
	if f.SourceID != "" {
		w.add("source_id = $%d", f.SourceID)
	}
	where := w.String()
	if f.OpenOnly {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "released_at IS NULL AND cancelled_at IS NULL"
	}
	rows, err := o.q.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_bonuses`+where+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

func (o *pgOps) closePending(ctx context.Context, id, sql string, args ...any) error {
	tag, err := o.q.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := o.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pending_bonuses WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("pending bonus %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("pending bonus %s: %w", id, ErrAlreadyFinalized)
}

func (o *pgOps) MarkPendingBonusReleased(ctx context.Context, id, walletTxID string, at time.Time) error {
	return o.closePending(ctx, id,
		`UPDATE pending_bonuses SET released_at = $3, wallet_transaction_id = $2
		 WHERE id = $1 AND released_at IS NULL AND cancelled_at IS NULL`, walletTxID, at)
}

func (o *pgOps) CancelPendingBonus(ctx context.Context, id, adjustmentBatchID string, at time.Time) error {
	return o.closePending(ctx, id,
		`UPDATE pending_bonuses SET cancelled_at = $3, adjustment_batch_id = $2
		 WHERE id = $1 AND released_at IS NULL AND cancelled_at IS NULL`, adjustmentBatchID, at)
}

// --- Weekly settlement ---

const weeklyColumns = `week_key, total_pv::TEXT, fixed_sales::TEXT, global_reserve::TEXT,
	variable_potential::TEXT, k_factor::TEXT, user_count, config_snapshot::TEXT, started_at, finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWeekly(r rowScanner) (*model.WeeklySettlement, error) {
	var ws model.WeeklySettlement
	var totalPV, sales, reserve, potential, k, snapshot string
	if err := r.Scan(&ws.WeekKey, &totalPV, &sales, &reserve, &potential, &k, &ws.UserCount,
		&snapshot, &ws.StartedAt, &ws.FinalizedAt); err != nil {
		return nil, err
	}
	ws.TotalPV = dec(totalPV)
	ws.FixedSales = dec(sales)
	ws.GlobalReserve = dec(reserve)
	ws.VariablePotential = dec(potential)
	ws.KFactor = dec(k)
	ws.ConfigSnapshot = []byte(snapshot)
	return &ws, nil
}

func (o *pgOps) CreateWeeklySettlement(ctx context.Context, ws *model.WeeklySettlement) error {
	ws.StartedAt = stamp(ws.StartedAt)
	_, err := o.q.Exec(ctx,
		`INSERT INTO weekly_settlements (week_key, total_pv, fixed_sales, global_reserve,
		        variable_potential, k_factor, user_count, config_snapshot, started_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::JSONB, $9)`,
		ws.WeekKey, ws.TotalPV.String(), ws.FixedSales.String(), ws.GlobalReserve.String(),
		ws.VariablePotential.String(), ws.KFactor.String(), ws.UserCount, string(ws.ConfigSnapshot),
		ws.StartedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("weekly settlement %s: %w", ws.WeekKey, ErrDuplicate)
	}
	return err
}

func (o *pgOps) GetWeeklySettlement(ctx context.Context, weekKey string) (*model.WeeklySettlement, error) {
	ws, err := scanWeekly(o.q.QueryRow(ctx,
		`SELECT `+weeklyColumns+` FROM weekly_settlements WHERE week_key = $1`, weekKey))
	if err != nil {
		return nil, notFound(err, "weekly settlement "+weekKey)
	}
	return ws, nil
}

func (o *pgOps) ListWeeklySettlements(ctx context.Context, weekKeys []string) ([]model.WeeklySettlement, error) {
	rows, err := o.q.Query(ctx,
		`SELECT `+weeklyColumns+` FROM weekly_settlements WHERE week_key = ANY($1) ORDER BY week_key`,
		weekKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklySettlement
	for rows.Next() {
		ws, err := scanWeekly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// finalizeOnce runs a conditional "set finalized_at where null" update and
// tells a missing row apart from an already-stamped one.
func (o *pgOps) finalizeOnce(ctx context.Context, table, keyCol, key, what string, sets string, args ...any) error {
	tag, err := o.q.Exec(ctx,
		`UPDATE `+table+` SET `+sets+` WHERE `+keyCol+` = $1 AND finalized_at IS NULL`,
		append([]any{key}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := o.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE `+keyCol+` = $1)`, key).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", what, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, key, ErrAlreadyFinalized)
}

func (o *pgOps) FinalizeWeeklySettlement(ctx context.Context, weekKey string, at time.Time) error {
	return o.finalizeOnce(ctx, "weekly_settlements", "week_key", weekKey, "weekly settlement",
		"finalized_at = $2", at)
}

const summaryColumns = `week_key, user_id, left_pv_before::TEXT, right_pv_before::TEXT,
	left_pv_after::TEXT, right_pv_after::TEXT, weak_pv::TEXT, paid_pv::TEXT, pair_count,
	pair_bonus_theoretical::TEXT, pair_bonus_capped::TEXT, pair_bonus_paid::TEXT,
	matching_bonus_theoretical::TEXT, matching_bonus_paid::TEXT, cap_amount::TEXT, cap_used::TEXT,
	strategy, created_at`

func scanSummary(r rowScanner) (*model.WeeklyUserSummary, error) {
	var s model.WeeklyUserSummary
	var lb, rb, la, ra, weak, paid, pt, pc, pp, mt, mp, capAmt, capUsed string
	if err := r.Scan(&s.WeekKey, &s.UserID, &lb, &rb, &la, &ra, &weak, &paid, &s.PairCount,
		&pt, &pc, &pp, &mt, &mp, &capAmt, &capUsed, &s.Strategy, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.LeftPVBefore, s.RightPVBefore = dec(lb), dec(rb)
	s.LeftPVAfter, s.RightPVAfter = dec(la), dec(ra)
	s.WeakPV, s.PaidPV = dec(weak), dec(paid)
	s.PairBonusTheoretical, s.PairBonusCapped, s.PairBonusPaid = dec(pt), dec(pc), dec(pp)
	s.MatchingBonusTheoretical, s.MatchingBonusPaid = dec(mt), dec(mp)
	s.CapAmount, s.CapUsed = dec(capAmt), dec(capUsed)
	return &s, nil
}

func (o *pgOps) InsertWeeklyUserSummary(ctx context.Context, s *model.WeeklyUserSummary) error {
	s.CreatedAt = stamp(s.CreatedAt)
	_, err := o.q.Exec(ctx,
		`INSERT INTO weekly_user_summaries (week_key, user_id, left_pv_before, right_pv_before,
		        left_pv_after, right_pv_after, weak_pv, paid_pv, pair_count,
		        pair_bonus_theoretical, pair_bonus_capped, pair_bonus_paid,
		        matching_bonus_theoretical, matching_bonus_paid, cap_amount, cap_used, strategy, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		         $16::NUMERIC, $17, $18)`,
		s.WeekKey, s.UserID, s.LeftPVBefore.String(), s.RightPVBefore.String(),
		s.LeftPVAfter.String(), s.RightPVAfter.String(), s.WeakPV.String(), s.PaidPV.String(), s.PairCount,
		s.PairBonusTheoretical.String(), s.PairBonusCapped.String(), s.PairBonusPaid.String(),
		s.MatchingBonusTheoretical.String(), s.MatchingBonusPaid.String(),
		s.CapAmount.String(), s.CapUsed.String(), s.Strategy, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("weekly summary %s/%s: %w", s.WeekKey, s.UserID, ErrDuplicate)
	}
	return err
}

func (o *pgOps) GetWeeklyUserSummary(ctx context.Context, weekKey, userID string) (*model.WeeklyUserSummary, error) {
	s, err := scanSummary(o.q.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM weekly_user_summaries WHERE week_key = $1 AND user_id = $2`,
		weekKey, userID))
	if err != nil {
		return nil, notFound(err, "weekly summary "+weekKey+"/"+userID)
	}
	return s, nil
}

func (o *pgOps) ListWeeklyUserSummaries(ctx context.Context, weekKeys []string) ([]model.WeeklyUserSummary, error) {
	rows, err := o.q.Query(ctx,
		`SELECT `+summaryColumns+` FROM weekly_user_summaries WHERE week_key = ANY($1)
		 ORDER BY week_key, user_id`, weekKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyUserSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (o *pgOps) LatestWeeklyUserSummary(ctx context.Context, userID string) (*model.WeeklyUserSummary, error) {
	s, err := scanSummary(o.q.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM weekly_user_summaries WHERE user_id = $1
		 ORDER BY week_key DESC LIMIT 1`, userID))
	if err != nil {
		return nil, notFound(err, "weekly summary for "+userID)
	}
	return s, nil
}

// --- Quarterly settlement ---

const quarterlyColumns = `quarter_key, total_volume::TEXT, week_count, stockist_pool::TEXT,
	leader_pool::TEXT, stockist_total_shares, leader_total_score::TEXT, stockist_unit_value::TEXT,
	leader_unit_value::TEXT, config_snapshot::TEXT, started_at, finalized_at`

func (o *pgOps) CreateQuarterlySettlement(ctx context.Context, qs *model.QuarterlySettlement) error {
	qs.StartedAt = stamp(qs.StartedAt)
	_, err := o.q.Exec(ctx,
		`INSERT INTO quarterly_settlements (quarter_key, total_volume, week_count, stockist_pool,
		        leader_pool, stockist_total_shares, leader_total_score, stockist_unit_value,
		        leader_unit_value, config_snapshot, started_at)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::JSONB, $11)`,
		qs.QuarterKey, qs.TotalVolume.String(), qs.WeekCount, qs.StockistPool.String(),
		qs.LeaderPool.String(), qs.StockistTotalShares, qs.LeaderTotalScore.String(),
		qs.StockistUnitValue.String(), qs.LeaderUnitValue.String(), string(qs.ConfigSnapshot),
		qs.StartedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("quarterly settlement %s: %w", qs.QuarterKey, ErrDuplicate)
	}
	return err
}

func (o *pgOps) GetQuarterlySettlement(ctx context.Context, quarterKey string) (*model.QuarterlySettlement, error) {
	var qs model.QuarterlySettlement
	var volume, sPool, lPool, score, sUnit, lUnit, snapshot string
	err := o.q.QueryRow(ctx,
		`SELECT `+quarterlyColumns+` FROM quarterly_settlements WHERE quarter_key = $1`, quarterKey).
		Scan(&qs.QuarterKey, &volume, &qs.WeekCount, &sPool, &lPool, &qs.StockistTotalShares,
			&score, &sUnit, &lUnit, &snapshot, &qs.StartedAt, &qs.FinalizedAt)
	if err != nil {
		return nil, notFound(err, "quarterly settlement "+quarterKey)
	}
	qs.TotalVolume = dec(volume)
	qs.StockistPool = dec(sPool)
	qs.LeaderPool = dec(lPool)
	qs.LeaderTotalScore = dec(score)
	qs.StockistUnitValue = dec(sUnit)
	qs.LeaderUnitValue = dec(lUnit)
	qs.ConfigSnapshot = []byte(snapshot)
	return &qs, nil
}

func (o *pgOps) FinalizeQuarterlySettlement(ctx context.Context, quarterKey string, at time.Time) error {
	return o.finalizeOnce(ctx, "quarterly_settlements", "quarter_key", quarterKey, "quarterly settlement",
		"finalized_at = $2", at)
}

func (o *pgOps) InsertDividendLog(ctx context.Context, l *model.DividendLog) error {
	l.ID = newID(l.ID)
	l.CreatedAt = stamp(l.CreatedAt)
	_, err := o.q.Exec(ctx,
		`INSERT INTO dividend_logs (id, quarter_key, user_id, pool, shares, score, amount, status, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		l.ID, l.QuarterKey, l.UserID, string(l.Pool), l.Shares, l.Score.String(), l.Amount.String(),
		string(l.Status), l.Reason, l.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("dividend log %s/%s/%s: %w", l.QuarterKey, l.UserID, l.Pool, ErrDuplicate)
	}
	return err
}

func (o *pgOps) ListDividendLogs(ctx context.Context, quarterKey string) ([]model.DividendLog, error) {
	rows, err := o.q.Query(ctx,
		`SELECT id, quarter_key, user_id, pool, shares, score::TEXT, amount::TEXT, status, reason, created_at
		 FROM dividend_logs WHERE quarter_key = $1 ORDER BY user_id, pool`, quarterKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DividendLog
	for rows.Next() {
		var l model.DividendLog
		var pool, status, score, amount string
		if err := rows.Scan(&l.ID, &l.QuarterKey, &l.UserID, &pool, &l.Shares, &score, &amount,
			&status, &l.Reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Pool = model.DividendPool(pool)
		l.Status = model.DividendStatus(status)
		l.Score = dec(score)
		l.Amount = dec(amount)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Adjustments ---

const batchColumns = `id, batch_key, reason_type, reference_type, reference_id, note, created_by,
	finalized_by, snapshot::TEXT, created_at, finalized_at`

func scanBatch(r rowScanner) (*model.AdjustmentBatch, error) {
	var b model.AdjustmentBatch
	var reason, ref, snapshot string
	if err := r.Scan(&b.ID, &b.BatchKey, &reason, &ref, &b.ReferenceID, &b.Note, &b.CreatedBy,
		&b.FinalizedBy, &snapshot, &b.CreatedAt, &b.FinalizedAt); err != nil {
		return nil, err
	}
	b.ReasonType = model.ReasonType(reason)
	b.ReferenceType = model.ReferenceType(ref)
	b.Snapshot = []byte(snapshot)
	return &b, nil
}

func (o *pgOps) CreateAdjustmentBatch(ctx context.Context, b *model.AdjustmentBatch) error {
	b.ID = newID(b.ID)
	b.CreatedAt = stamp(b.CreatedAt)
	snapshot := string(b.Snapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err := o.q.Exec(ctx,
		`INSERT INTO adjustment_batches (id, batch_key, reason_type, reference_type, reference_id,
		        note, created_by, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9)`,
		b.ID, b.BatchKey, string(b.ReasonType), string(b.ReferenceType), b.ReferenceID,
		b.Note, b.CreatedBy, snapshot, b.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("adjustment batch %s: %w", b.BatchKey, ErrDuplicate)
	}
	return err
}

func (o *pgOps) GetAdjustmentBatch(ctx context.Context, id string) (*model.AdjustmentBatch, error) {
	b, err := scanBatch(o.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM adjustment_batches WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "adjustment batch "+id)
	}
	return b, nil
}

func (o *pgOps) GetAdjustmentBatchByKey(ctx context.Context, batchKey string) (*model.AdjustmentBatch, error) {
	b, err := scanBatch(o.q.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM adjustment_batches WHERE batch_key = $1`, batchKey))
	if err != nil {
		return nil, notFound(err, "adjustment batch "+batchKey)
	}
	return b, nil
}

func (o *pgOps) LockAdjustmentBatch(ctx context.Context, id string) (*model.AdjustmentBatch, error) {
	b, err := scanBatch(o.q.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM adjustment_batches WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "adjustment batch "+id)
	}
	return b, nil
}

func (o *pgOps) ListAdjustmentBatches(ctx context.Context, f AdjustmentFilter) ([]model.AdjustmentBatch, error) {
	w := &whereBuilder{}
	if f.ReferenceType != "" {
		w.add("reference_type = $%d", string(f.ReferenceType))
	}
	if f.ReferenceID != "" {
		w.add("reference_id = $%d", f.ReferenceID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args := append(w.args, limit)
	rows, err := o.q.Query(ctx,
		`SELECT `+batchColumns+` FROM adjustment_batches`+w.String()+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AdjustmentBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (o *pgOps) FinalizeAdjustmentBatch(ctx context.Context, id, actorID string, at time.Time) error {
	return o.finalizeOnce(ctx, "adjustment_batches", "id", id, "adjustment batch",
		"finalized_at = $2, finalized_by = $3", at, actorID)
}

func (o *pgOps) InsertAdjustmentEntry(ctx context.Context, e *model.AdjustmentEntry) error {
	e.ID = newID(e.ID)
	e.CreatedAt = stamp(e.CreatedAt)
	_, err := o.q.Exec(ctx,
		`INSERT INTO adjustment_entries (id, batch_id, asset_type, user_id, amount, applied_amount,
		        reversal_of_id, reversal_entry_id, clamped, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		e.ID, e.BatchID, string(e.AssetType), e.UserID, e.Amount.String(), e.AppliedAmount.String(),
		e.ReversalOfID, e.ReversalEntryID, e.Clamped, e.CreatedAt,
	)
	return err
}

func (o *pgOps) ListAdjustmentEntries(ctx context.Context, batchID string) ([]model.AdjustmentEntry, error) {
	rows, err := o.q.Query(ctx,
		`SELECT id, batch_id, asset_type, user_id, amount::TEXT, applied_amount::TEXT,
		        reversal_of_id, reversal_entry_id, clamped, created_at
		 FROM adjustment_entries WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AdjustmentEntry
	for rows.Next() {
		var e model.AdjustmentEntry
		var asset, amount, applied string
		if err := rows.Scan(&e.ID, &e.BatchID, &asset, &e.UserID, &amount, &applied,
			&e.ReversalOfID, &e.ReversalEntryID, &e.Clamped, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.AssetType = model.Asset(asset)
		e.Amount = dec(amount)
		e.AppliedAmount = dec(applied)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Settings ---

func (o *pgOps) GetBonusSettings(ctx context.Context) ([]byte, error) {
	var doc string
	err := o.q.QueryRow(ctx, `SELECT payload::TEXT FROM bonus_settings WHERE id = 1`).Scan(&doc)
	if err != nil {
		return nil, notFound(err, "bonus settings")
	}
	return []byte(doc), nil
}

func (o *pgOps) SaveBonusSettings(ctx context.Context, doc []byte) error {
	_, err := o.q.Exec(ctx,
		`INSERT INTO bonus_settings (id, payload, updated_at) VALUES (1, $1::JSONB, NOW())
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		string(doc))
	return err
}
