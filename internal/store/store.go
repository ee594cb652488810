// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Correctness under concurrency comes from store-level locking, not
// in-process mutexes: engine transactions take exclusive club row locks,
// so writes to the same club serialize while different clubs proceed in
// parallel. A lock wait that exceeds the configured timeout fails the
// transaction with ErrBusy.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
)

var (
	// ErrClubNotFound is returned when a club id resolves to nothing.
	ErrClubNotFound = errors.New("store: club not found")

	// ErrFixtureNotFound is returned when a fixture id resolves to nothing.
	ErrFixtureNotFound = errors.New("store: fixture not found")

	// ErrAlreadySettled is returned by ClaimFixtureResult when the fixture
	// result has already left PENDING. Callers treat it as no-op success.
	ErrAlreadySettled = errors.New("store: fixture already settled")

	// ErrBusy is returned when a club row lock cannot be acquired within
	// the lock timeout. The operation was not applied and may be retried.
	ErrBusy = errors.New("store: club busy, try again")

	// ErrInsufficientFunds is returned when a wallet debit would take the
	// balance negative.
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. All engine writes that touch
// club state go through a Tx.
type Store interface {
	// --- Clubs ---

	// CreateClub persists a new club together with its INITIAL ledger
	// entry in one atomic step.
	CreateClub(ctx context.Context, club *model.Club, initial *model.LedgerEntry) error

	// GetClub retrieves a club by its ID.
	GetClub(ctx context.Context, id string) (*model.Club, error)

	// ListClubs returns all clubs.
	ListClubs(ctx context.Context) ([]model.Club, error)

	// --- Orders ---

	// GetOrdersByUser returns a user's orders, oldest first.
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// GetOrdersByUserThrough returns a user's orders executed at or
	// before t, oldest first.
	GetOrdersByUserThrough(ctx context.Context, userID string, t time.Time) ([]model.Order, error)

	// --- Positions ---

	// GetUserPositions returns a user's aggregate positions.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable ledger (appends happen inside a Tx) ---

	// GetLedgerEntries returns a club's full journal ordered by
	// (event_timestamp, insert_seq).
	GetLedgerEntries(ctx context.Context, clubID string) ([]model.LedgerEntry, error)

	// GetLastEntryBefore returns the most recent entry with
	// eventTimestamp strictly before t, or nil when no entry precedes t.
	GetLastEntryBefore(ctx context.Context, clubID string, t time.Time) (*model.LedgerEntry, error)

	// --- Fixtures and transfers ---

	// CreateFixture persists a new fixture.
	CreateFixture(ctx context.Context, f *model.Fixture) error

	// GetFixture retrieves a fixture by its ID.
	GetFixture(ctx context.Context, id string) (*model.Fixture, error)

	// GetBlockingFixture returns an unsettled fixture involving the club
	// whose buy-close instant has passed, or nil when trading is open.
	GetBlockingFixture(ctx context.Context, clubID string, at time.Time) (*model.Fixture, error)

	// GetTransferByFixture returns the transfer produced by a settled
	// fixture, or nil for draws and unsettled fixtures.
	GetTransferByFixture(ctx context.Context, fixtureID string) (*model.Transfer, error)

	// --- Wallets ---

	// ApplyWalletTransaction appends a signed wallet movement and adjusts
	// the balance. The wallet row is locked for the duration; a negative
	// amount that would overdraw fails with ErrInsufficientFunds. A
	// duplicate ReferenceID is a no-op: the current wallet is returned
	// with applied=false and no balance change.
	ApplyWalletTransaction(ctx context.Context, txn *model.WalletTransaction) (wallet *model.Wallet, applied bool, err error)

	// GetWallet returns a user's wallet; a zero-balance wallet when the
	// user has never transacted.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// GetWalletTransactions returns a user's wallet movements, oldest first.
	GetWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error)

	// GetWalletTransactionsBefore returns movements created strictly
	// before t, oldest first.
	GetWalletTransactionsBefore(ctx context.Context, userID string, t time.Time) ([]model.WalletTransaction, error)

	// --- Leaderboard ---

	// SaveLeaderboard persists a week's entries and demotes every other
	// week's is_latest flag, atomically. Entries that already exist for
	// (user, week) are left untouched.
	SaveLeaderboard(ctx context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error

	// GetLeaderboard returns a week's entries ordered by rank.
	GetLeaderboard(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error)

	// GetLatestLeaderboard returns the entries flagged is_latest, by rank.
	GetLatestLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error)

	// LeaderboardExists reports whether any entry exists for the week.
	LeaderboardExists(ctx context.Context, weekStart time.Time) (bool, error)

	// ListTradingUserIDs returns every user with at least one wallet
	// movement or order.
	ListTradingUserIDs(ctx context.Context) ([]string, error)

	// --- Transactions ---

	// BeginTx opens an engine transaction. Club rows must be locked via
	// LockClub/LockClubs before they are read or written inside it.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a single engine transaction over the store. All writes staged in a
// Tx become visible atomically at Commit; Rollback discards them. Lock
// acquisition respects the store's lock timeout and fails with ErrBusy.
type Tx interface {
	// LockClub takes the club's exclusive lock and returns its current row.
	LockClub(ctx context.Context, clubID string) (*model.Club, error)

	// LockClubs locks several clubs in ascending id order (deadlock
	// avoidance) and returns them keyed by id.
	LockClubs(ctx context.Context, clubIDs ...string) (map[string]*model.Club, error)

	// ApplyClubDelta adjusts a locked club's capitalization and shares
	// outstanding. The caller must hold the club's lock.
	ApplyClubDelta(ctx context.Context, clubID string, capDelta decimal.Decimal, sharesDelta int64) error

	// InsertOrder persists an executed order with its state snapshots.
	InsertOrder(ctx context.Context, o *model.Order) error

	// AppendLedgerEntry appends an immutable journal entry and fills in
	// its InsertSeq.
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// GetPosition returns the user's position in a club, or nil when none.
	GetPosition(ctx context.Context, userID, clubID string) (*model.Position, error)

	// UpsertPosition adjusts the user's aggregate position.
	UpsertPosition(ctx context.Context, userID, clubID string, qtyDelta int64, investedDelta decimal.Decimal) error

	// GetBlockingFixture mirrors Store.GetBlockingFixture inside the Tx.
	GetBlockingFixture(ctx context.Context, clubID string, at time.Time) (*model.Fixture, error)

	// ClaimFixtureResult performs the settlement compare-and-set: it moves
	// the fixture's result from PENDING to the given result and returns
	// the claimed fixture. ErrAlreadySettled when another settlement won.
	ClaimFixtureResult(ctx context.Context, fixtureID string, result model.MatchResult, score string) (*model.Fixture, error)

	// InsertTransfer records the capital moved by a settled fixture.
	InsertTransfer(ctx context.Context, t *model.Transfer) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
