package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Club row locks (SELECT ... FOR UPDATE) serialize engine transactions per
// club; lock waits are bounded by lockTimeout and surface as ErrBusy.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

const clubColumns = `id, name, capitalization::TEXT, shares_outstanding,
	        initial_capitalization::TEXT, launch_price_per_share::TEXT, created_at`

const orderColumns = `id, user_id, club_id, side, quantity,
	        price_per_share::TEXT, total_amount::TEXT, status,
	        capitalization_before::TEXT, capitalization_after::TEXT,
	        shares_outstanding_before, shares_outstanding_after, executed_at`

const entryColumns = `id, insert_seq, club_id, kind, event_timestamp,
	        capitalization_before::TEXT, capitalization_after::TEXT,
	        shares_outstanding_before, shares_outstanding_after,
	        nav_before::TEXT, nav_after::TEXT, price_impact::TEXT, shares_traded,
	        COALESCE(opponent_club_id::TEXT, ''), COALESCE(opponent_name, ''),
	        COALESCE(match_result, ''), COALESCE(score, ''), COALESCE(note, ''),
	        trigger_type, trigger_id`

const fixtureColumns = `id, home_club_id, away_club_id, kickoff_at, buy_close_at,
	        status, result, COALESCE(score, ''), settled_at, created_at`

// --- Clubs ---

func (s *PostgresStore) CreateClub(ctx context.Context, club *model.Club, initial *model.LedgerEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO clubs (id, name, capitalization, shares_outstanding, initial_capitalization, launch_price_per_share, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		club.ID, club.Name,
		club.Capitalization.String(), club.SharesOutstanding,
		club.InitialCapitalization.String(), club.LaunchPricePerShare.String(),
		club.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("club %q already exists", club.Name)
		}
		return err
	}

	if err := appendLedgerEntry(ctx, tx, initial); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetClub(ctx context.Context, id string) (*model.Club, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clubColumns+` FROM clubs WHERE id = $1`, id)
	club, err := scanClub(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClubNotFound
		}
		return nil, fmt.Errorf("get club %s: %w", id, err)
	}
	return club, nil
}

func (s *PostgresStore) ListClubs(ctx context.Context) ([]model.Club, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+clubColumns+` FROM clubs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clubs []model.Club
	for rows.Next() {
		club, err := scanClub(rows)
		if err != nil {
			return nil, err
		}
		clubs = append(clubs, *club)
	}
	return clubs, rows.Err()
}

// --- Orders ---

func (s *PostgresStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY executed_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) GetOrdersByUserThrough(ctx context.Context, userID string, t time.Time) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND executed_at <= $2 ORDER BY executed_at, id`, userID, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// --- Positions ---

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, club_id, quantity, total_invested::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND quantity > 0 ORDER BY club_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var investedS string
		if err := rows.Scan(&p.UserID, &p.ClubID, &p.Quantity, &investedS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TotalInvested, _ = decimal.NewFromString(investedS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Immutable ledger ---

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, clubID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE club_id = $1 ORDER BY event_timestamp, insert_seq`, clubID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetLastEntryBefore(ctx context.Context, clubID string, t time.Time) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE club_id = $1 AND event_timestamp < $2
		 ORDER BY event_timestamp DESC, insert_seq DESC LIMIT 1`, clubID, t)
	e, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// --- Fixtures and transfers ---

func (s *PostgresStore) CreateFixture(ctx context.Context, f *model.Fixture) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fixtures (id, home_club_id, away_club_id, kickoff_at, buy_close_at, status, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.HomeClubID, f.AwayClubID, f.KickoffAt, f.BuyCloseAt,
		f.Status, f.Result, f.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetFixture(ctx context.Context, id string) (*model.Fixture, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fixtureColumns+` FROM fixtures WHERE id = $1`, id)
	f, err := scanFixture(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFixtureNotFound
		}
		return nil, fmt.Errorf("get fixture %s: %w", id, err)
	}
	return f, nil
}

func (s *PostgresStore) GetBlockingFixture(ctx context.Context, clubID string, at time.Time) (*model.Fixture, error) {
	return getBlockingFixture(ctx, s.pool, clubID, at)
}

func (s *PostgresStore) GetTransferByFixture(ctx context.Context, fixtureID string) (*model.Transfer, error) {
	var t model.Transfer
	var amountS string
	row := s.pool.QueryRow(ctx,
		`SELECT id, fixture_id, winner_club_id, loser_club_id, transfer_amount::TEXT, created_at
		 FROM transfers WHERE fixture_id = $1`, fixtureID)
	if err := row.Scan(&t.ID, &t.FixtureID, &t.WinnerClubID, &t.LoserClubID, &amountS, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.TransferAmount, _ = decimal.NewFromString(amountS)
	return &t, nil
}

// --- Wallets ---

func (s *PostgresStore) ApplyWalletTransaction(ctx context.Context, txn *model.WalletTransaction) (*model.Wallet, bool, error) {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`, txn.UserID, txn.CreatedAt); err != nil {
		return nil, false, err
	}

	var balanceS string
	var w model.Wallet
	if err := tx.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE`,
		txn.UserID).Scan(&w.UserID, &balanceS, &w.UpdatedAt); err != nil {
		return nil, false, err
	}
	w.Balance, _ = decimal.NewFromString(balanceS)

	newBalance := w.Balance.Add(txn.Amount)
	if newBalance.IsNegative() {
		return nil, false, ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, kind, amount, reference_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		txn.ID, txn.UserID, txn.Kind, txn.Amount.String(), txn.ReferenceID, txn.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Duplicate reference: the movement was already applied.
			_ = tx.Rollback(ctx)
			committed = true
			current, gErr := s.GetWallet(ctx, txn.UserID)
			if gErr != nil {
				return nil, false, gErr
			}
			return current, false, nil
		}
		return nil, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC, updated_at = $3 WHERE user_id = $1`,
		txn.UserID, newBalance.String(), txn.CreatedAt); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	committed = true

	w.Balance = newBalance
	w.UpdatedAt = txn.CreatedAt
	return &w, true, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balanceS string
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, updated_at FROM wallets WHERE user_id = $1`, userID)
	if err := row.Scan(&w.UserID, &balanceS, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.Wallet{UserID: userID, Balance: decimal.Zero}, nil
		}
		return nil, err
	}
	w.Balance, _ = decimal.NewFromString(balanceS)
	return &w, nil
}

func (s *PostgresStore) GetWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, reference_id, created_at
		 FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWalletTransactions(rows)
}

func (s *PostgresStore) GetWalletTransactionsBefore(ctx context.Context, userID string, t time.Time) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, reference_id, created_at
		 FROM wallet_transactions WHERE user_id = $1 AND created_at < $2 ORDER BY created_at, id`, userID, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWalletTransactions(rows)
}

// --- Leaderboard ---

func (s *PostgresStore) SaveLeaderboard(ctx context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO leaderboard_entries
			   (id, user_id, week_start, rank, start_wallet_value, end_wallet_value,
			    start_portfolio_value, end_portfolio_value, deposits_during_week,
			    weekly_return, is_latest, computed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)
			 ON CONFLICT (user_id, week_start) DO NOTHING`,
			e.ID, e.UserID, e.WeekStart, e.Rank,
			e.StartWalletValue.String(), e.EndWalletValue.String(),
			e.StartPortfolioValue.String(), e.EndPortfolioValue.String(),
			e.DepositsDuringWeek.String(), e.WeeklyReturn.String(),
			e.IsLatest, e.ComputedAt,
		)
		if err != nil {
			return err
		}
	}

	// Demote prior weeks only after the new set is in place, so the swap
	// is atomic at commit.
	if _, err := tx.Exec(ctx,
		`UPDATE leaderboard_entries SET is_latest = false
		 WHERE is_latest = true AND week_start <> $1`, weekStart); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaderboardColumns+` FROM leaderboard_entries
		 WHERE week_start = $1 ORDER BY rank`, weekStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLeaderboardEntries(rows)
}

func (s *PostgresStore) GetLatestLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leaderboardColumns+` FROM leaderboard_entries
		 WHERE is_latest = true ORDER BY rank`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLeaderboardEntries(rows)
}

func (s *PostgresStore) LeaderboardExists(ctx context.Context, weekStart time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM leaderboard_entries WHERE week_start = $1)`, weekStart).
		Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListTradingUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM wallet_transactions
		 UNION
		 SELECT DISTINCT user_id FROM orders
		 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Engine transactions ---

func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	// Bound every row-lock wait inside this transaction. A timeout aborts
	// with SQLSTATE 55P03, which mapLockErr turns into ErrBusy.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockClub(ctx context.Context, clubID string) (*model.Club, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+clubColumns+` FROM clubs WHERE id = $1 FOR UPDATE`, clubID)
	club, err := scanClub(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClubNotFound
		}
		return nil, mapLockErr(err)
	}
	return club, nil
}

func (t *pgTx) LockClubs(ctx context.Context, clubIDs ...string) (map[string]*model.Club, error) {
	ids := append([]string(nil), clubIDs...)
	sort.Strings(ids)

	clubs := make(map[string]*model.Club, len(ids))
	for _, id := range ids {
		club, err := t.LockClub(ctx, id)
		if err != nil {
			return nil, err
		}
		clubs[id] = club
	}
	return clubs, nil
}

func (t *pgTx) ApplyClubDelta(ctx context.Context, clubID string, capDelta decimal.Decimal, sharesDelta int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE clubs
		 SET capitalization = capitalization + $2::NUMERIC,
		     shares_outstanding = shares_outstanding + $3
		 WHERE id = $1`,
		clubID, capDelta.String(), sharesDelta,
	)
	if err != nil {
		return mapLockErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClubNotFound
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders
		   (id, user_id, club_id, side, quantity, price_per_share, total_amount, status,
		    capitalization_before, capitalization_after,
		    shares_outstanding_before, shares_outstanding_after, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		o.ID, o.UserID, o.ClubID, o.Side, o.Quantity,
		o.PricePerShare.String(), o.TotalAmount.String(), o.Status,
		o.CapitalizationBefore.String(), o.CapitalizationAfter.String(),
		o.SharesOutstandingBefore, o.SharesOutstandingAfter, o.ExecutedAt,
	)
	return err
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return appendLedgerEntry(ctx, t.tx, e)
}

func (t *pgTx) GetPosition(ctx context.Context, userID, clubID string) (*model.Position, error) {
	var p model.Position
	var investedS string
	row := t.tx.QueryRow(ctx,
		`SELECT user_id, club_id, quantity, total_invested::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND club_id = $2`, userID, clubID)
	if err := row.Scan(&p.UserID, &p.ClubID, &p.Quantity, &investedS, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.TotalInvested, _ = decimal.NewFromString(investedS)
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, userID, clubID string, qtyDelta int64, investedDelta decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, club_id, quantity, total_invested, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, club_id) DO UPDATE
		 SET quantity = positions.quantity + $3,
		     total_invested = positions.total_invested + $4::NUMERIC,
		     updated_at = $5`,
		userID, clubID, qtyDelta, investedDelta.String(), time.Now().UTC(),
	)
	return err
}

func (t *pgTx) GetBlockingFixture(ctx context.Context, clubID string, at time.Time) (*model.Fixture, error) {
	return getBlockingFixture(ctx, t.tx, clubID, at)
}

func (t *pgTx) ClaimFixtureResult(ctx context.Context, fixtureID string, result model.MatchResult, score string) (*model.Fixture, error) {
	row := t.tx.QueryRow(ctx,
		`UPDATE fixtures
		 SET result = $2, score = NULLIF($3, ''), status = $4, settled_at = $5
		 WHERE id = $1 AND result = 'PENDING'
		 RETURNING `+fixtureColumns,
		fixtureID, result, score, model.FixtureSettled, time.Now().UTC(),
	)
	f, err := scanFixture(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either another settlement won the compare-and-set, or the
			// fixture does not exist.
			var exists bool
			if probeErr := t.tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM fixtures WHERE id = $1)`, fixtureID).
				Scan(&exists); probeErr != nil {
				return nil, probeErr
			}
			if exists {
				return nil, ErrAlreadySettled
			}
			return nil, ErrFixtureNotFound
		}
		return nil, mapLockErr(err)
	}
	return f, nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *model.Transfer) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transfers (id, fixture_id, winner_club_id, loser_club_id, transfer_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		tr.ID, tr.FixtureID, tr.WinnerClubID, tr.LoserClubID,
		tr.TransferAmount.String(), tr.CreatedAt,
	)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// --- Shared query helpers ---

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendLedgerEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	return q.QueryRow(ctx,
		`INSERT INTO ledger_entries
		   (id, club_id, kind, event_timestamp,
		    capitalization_before, capitalization_after,
		    shares_outstanding_before, shares_outstanding_after,
		    nav_before, nav_after, price_impact, shares_traded,
		    opponent_club_id, opponent_name, match_result, score, note,
		    trigger_type, trigger_id)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12,
		         NULLIF($13, '')::UUID, NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''),
		         $18, $19)
		 RETURNING insert_seq`,
		e.ID, e.ClubID, e.Kind, e.EventTimestamp,
		e.CapitalizationBefore.String(), e.CapitalizationAfter.String(),
		e.SharesOutstandingBefore, e.SharesOutstandingAfter,
		e.NAVBefore.String(), e.NAVAfter.String(), e.PriceImpact.String(), e.SharesTraded,
		e.OpponentClubID, e.OpponentName, string(e.MatchResult), e.Score, e.Note,
		e.TriggerType, e.TriggerID,
	).Scan(&e.InsertSeq)
}

func getBlockingFixture(ctx context.Context, q querier, clubID string, at time.Time) (*model.Fixture, error) {
	row := q.QueryRow(ctx,
		`SELECT `+fixtureColumns+` FROM fixtures
		 WHERE (home_club_id = $1 OR away_club_id = $1)
		   AND result = 'PENDING'
		   AND buy_close_at <= $2
		   AND status IN ('SCHEDULED', 'LIVE')
		 ORDER BY kickoff_at LIMIT 1`, clubID, at)
	f, err := scanFixture(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanClub(row rowScanner) (*model.Club, error) {
	var c model.Club
	var capS, initialS, launchS string
	if err := row.Scan(&c.ID, &c.Name, &capS, &c.SharesOutstanding,
		&initialS, &launchS, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Capitalization, _ = decimal.NewFromString(capS)
	c.InitialCapitalization, _ = decimal.NewFromString(initialS)
	c.LaunchPricePerShare, _ = decimal.NewFromString(launchS)
	return &c, nil
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var priceS, totalS, capBeforeS, capAfterS string
	if err := row.Scan(&o.ID, &o.UserID, &o.ClubID, &o.Side, &o.Quantity,
		&priceS, &totalS, &o.Status,
		&capBeforeS, &capAfterS,
		&o.SharesOutstandingBefore, &o.SharesOutstandingAfter, &o.ExecutedAt); err != nil {
		return nil, err
	}
	o.PricePerShare, _ = decimal.NewFromString(priceS)
	o.TotalAmount, _ = decimal.NewFromString(totalS)
	o.CapitalizationBefore, _ = decimal.NewFromString(capBeforeS)
	o.CapitalizationAfter, _ = decimal.NewFromString(capAfterS)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanLedgerEntry(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var capBeforeS, capAfterS, navBeforeS, navAfterS, impactS string
	var matchResult string
	if err := row.Scan(&e.ID, &e.InsertSeq, &e.ClubID, &e.Kind, &e.EventTimestamp,
		&capBeforeS, &capAfterS,
		&e.SharesOutstandingBefore, &e.SharesOutstandingAfter,
		&navBeforeS, &navAfterS, &impactS, &e.SharesTraded,
		&e.OpponentClubID, &e.OpponentName, &matchResult, &e.Score, &e.Note,
		&e.TriggerType, &e.TriggerID); err != nil {
		return nil, err
	}
	e.CapitalizationBefore, _ = decimal.NewFromString(capBeforeS)
	e.CapitalizationAfter, _ = decimal.NewFromString(capAfterS)
	e.NAVBefore, _ = decimal.NewFromString(navBeforeS)
	e.NAVAfter, _ = decimal.NewFromString(navAfterS)
	e.PriceImpact, _ = decimal.NewFromString(impactS)
	e.MatchResult = model.MatchResult(matchResult)
	return &e, nil
}

func scanFixture(row rowScanner) (*model.Fixture, error) {
	var f model.Fixture
	if err := row.Scan(&f.ID, &f.HomeClubID, &f.AwayClubID, &f.KickoffAt, &f.BuyCloseAt,
		&f.Status, &f.Result, &f.Score, &f.SettledAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanWalletTransactions(rows pgx.Rows) ([]model.WalletTransaction, error) {
	var txns []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var amountS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &amountS, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

const leaderboardColumns = `id, user_id, week_start, rank,
	        start_wallet_value::TEXT, end_wallet_value::TEXT,
	        start_portfolio_value::TEXT, end_portfolio_value::TEXT,
	        deposits_during_week::TEXT, weekly_return::TEXT, is_latest, computed_at`

func scanLeaderboardEntries(rows pgx.Rows) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var startWS, endWS, startPS, endPS, depositsS, returnS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.WeekStart, &e.Rank,
			&startWS, &endWS, &startPS, &endPS, &depositsS, &returnS,
			&e.IsLatest, &e.ComputedAt); err != nil {
			return nil, err
		}
		e.StartWalletValue, _ = decimal.NewFromString(startWS)
		e.EndWalletValue, _ = decimal.NewFromString(endWS)
		e.StartPortfolioValue, _ = decimal.NewFromString(startPS)
		e.EndPortfolioValue, _ = decimal.NewFromString(endPS)
		e.DepositsDuringWeek, _ = decimal.NewFromString(depositsS)
		e.WeeklyReturn, _ = decimal.NewFromString(returnS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Error mapping ---

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapLockErr translates a lock_timeout abort (SQLSTATE 55P03) into ErrBusy.
func mapLockErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return ErrBusy
	}
	return err
}
