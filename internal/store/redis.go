package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Engine transactions
// track which clubs and users they touch and drop those keys on Commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateClub(ctx context.Context, club *model.Club, initial *model.LedgerEntry) error {
	if err := s.primary.CreateClub(ctx, club, initial); err != nil {
		return err
	}
	s.cacheClub(ctx, club)
	return nil
}

func (s *CachedStore) ApplyWalletTransaction(ctx context.Context, txn *model.WalletTransaction) (*model.Wallet, bool, error) {
	wallet, applied, err := s.primary.ApplyWalletTransaction(ctx, txn)
	if err != nil {
		return nil, false, err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, walletKey(txn.UserID))
	return wallet, applied, nil
}

func (s *CachedStore) SaveLeaderboard(ctx context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error {
	return s.primary.SaveLeaderboard(ctx, weekStart, entries)
}

func (s *CachedStore) CreateFixture(ctx context.Context, f *model.Fixture) error {
	return s.primary.CreateFixture(ctx, f)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetClub(ctx context.Context, id string) (*model.Club, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, clubKey(id)).Bytes()
	if err == nil {
		var c model.Club
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	club, err := s.primary.GetClub(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheClub(ctx, club)
	return club, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	wallet, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(wallet); err == nil {
		s.rdb.Set(ctx, walletKey(userID), data, s.ttl)
	}
	return wallet, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListClubs(ctx context.Context) ([]model.Club, error) {
	return s.primary.ListClubs(ctx)
}

func (s *CachedStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.GetOrdersByUser(ctx, userID)
}

func (s *CachedStore) GetOrdersByUserThrough(ctx context.Context, userID string, t time.Time) ([]model.Order, error) {
	return s.primary.GetOrdersByUserThrough(ctx, userID, t)
}

func (s *CachedStore) GetLedgerEntries(ctx context.Context, clubID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntries(ctx, clubID)
}

func (s *CachedStore) GetLastEntryBefore(ctx context.Context, clubID string, t time.Time) (*model.LedgerEntry, error) {
	return s.primary.GetLastEntryBefore(ctx, clubID, t)
}

func (s *CachedStore) GetFixture(ctx context.Context, id string) (*model.Fixture, error) {
	return s.primary.GetFixture(ctx, id)
}

func (s *CachedStore) GetBlockingFixture(ctx context.Context, clubID string, at time.Time) (*model.Fixture, error) {
	return s.primary.GetBlockingFixture(ctx, clubID, at)
}

func (s *CachedStore) GetTransferByFixture(ctx context.Context, fixtureID string) (*model.Transfer, error) {
	return s.primary.GetTransferByFixture(ctx, fixtureID)
}

func (s *CachedStore) GetWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	return s.primary.GetWalletTransactions(ctx, userID)
}

func (s *CachedStore) GetWalletTransactionsBefore(ctx context.Context, userID string, t time.Time) ([]model.WalletTransaction, error) {
	return s.primary.GetWalletTransactionsBefore(ctx, userID, t)
}

func (s *CachedStore) GetLeaderboard(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	return s.primary.GetLeaderboard(ctx, weekStart)
}

func (s *CachedStore) GetLatestLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	return s.primary.GetLatestLeaderboard(ctx)
}

func (s *CachedStore) LeaderboardExists(ctx context.Context, weekStart time.Time) (bool, error) {
	return s.primary.LeaderboardExists(ctx, weekStart)
}

func (s *CachedStore) ListTradingUserIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListTradingUserIDs(ctx)
}

// --- Engine transactions ---

func (s *CachedStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.primary.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, store: s}, nil
}

// cachedTx delegates to the primary transaction and records which cache
// keys become stale if the transaction commits.
type cachedTx struct {
	Tx
	store *CachedStore
	stale []string
}

func (t *cachedTx) markStale(key string) {
	for _, k := range t.stale {
		if k == key {
			return
		}
	}
	t.stale = append(t.stale, key)
}

func (t *cachedTx) LockClub(ctx context.Context, clubID string) (*model.Club, error) {
	t.markStale(clubKey(clubID))
	return t.Tx.LockClub(ctx, clubID)
}

func (t *cachedTx) LockClubs(ctx context.Context, clubIDs ...string) (map[string]*model.Club, error) {
	for _, id := range clubIDs {
		t.markStale(clubKey(id))
	}
	return t.Tx.LockClubs(ctx, clubIDs...)
}

func (t *cachedTx) ApplyClubDelta(ctx context.Context, clubID string, capDelta decimal.Decimal, sharesDelta int64) error {
	t.markStale(clubKey(clubID))
	return t.Tx.ApplyClubDelta(ctx, clubID, capDelta, sharesDelta)
}

func (t *cachedTx) UpsertPosition(ctx context.Context, userID, clubID string, qtyDelta int64, investedDelta decimal.Decimal) error {
	t.markStale(positionsKey(userID))
	return t.Tx.UpsertPosition(ctx, userID, clubID, qtyDelta, investedDelta)
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	if len(t.stale) > 0 {
		t.store.rdb.Del(ctx, t.stale...)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheClub(ctx context.Context, c *model.Club) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, clubKey(c.ID), data, s.ttl)
	}
}

func clubKey(id string) string       { return fmt.Sprintf("club:%s", id) }
func walletKey(uid string) string    { return fmt.Sprintf("wallet:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
