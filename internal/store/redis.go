package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balance reads. Writes go to the primary store and then bump
// the key's version; writes made inside InTx bump only after commit.
//
// Cached values live under a versioned key. A reader picks the version
// before it reads the primary, so a value it loaded before a concurrent
// commit is filed under a version that is already stale and never served.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, bump version) ---

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	inserted, err := s.Store.InsertLedgerEntry(ctx, entry)
	if err != nil {
		return false, err
	}
	if inserted {
		s.bump(ctx, balanceKey(entry.Asset, entry.OwnerUserID))
	}
	return inserted, nil
}

func (s *CachedStore) ApplyWalletTransaction(ctx context.Context, tx *model.WalletTransaction) (bool, error) {
	inserted, err := s.Store.ApplyWalletTransaction(ctx, tx)
	if err != nil {
		return false, err
	}
	if inserted {
		s.bump(ctx, walletCacheKey(tx.UserID))
	}
	return inserted, nil
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Ops) error) error {
	var dirty []string
	err := s.Store.InTx(ctx, func(tx Ops) error {
		return fn(&trackingOps{Ops: tx, dirty: &dirty})
	})
	if err != nil {
		return err
	}
	s.bump(ctx, dirty...)
	return nil
}

// bump moves each key to a new version. Values cached under the old
// version are left to expire.
func (s *CachedStore) bump(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	pipe := s.rdb.Pipeline()
	for _, k := range keys {
		pipe.Incr(ctx, versionKey(k))
	}
	_, _ = pipe.Exec(ctx)
}

// versioned returns the key the current version's value lives under. It
// fails when Redis is unreachable; callers then skip the cache.
func (s *CachedStore) versioned(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, versionKey(key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf("%s@%d", key, v), nil
}

// --- Read-through (check cache first) ---

// SumLedger is cached only for whole-history per-owner totals, which is
// what balance reads ask for.
func (s *CachedStore) SumLedger(ctx context.Context, asset model.Asset, f LedgerFilter) (model.SideTotals, error) {
	if !ownerOnly(f) {
		return s.Store.SumLedger(ctx, asset, f)
	}

	key, err := s.versioned(ctx, balanceKey(asset, f.OwnerUserID))
	if err != nil {
		return s.Store.SumLedger(ctx, asset, f)
	}
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var t model.SideTotals
		if json.Unmarshal(data, &t) == nil {
			return t, nil
		}
	}

	t, err := s.Store.SumLedger(ctx, asset, f)
	if err != nil {
		return t, err
	}
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return t, nil
}

func (s *CachedStore) WalletBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	key, err := s.versioned(ctx, walletCacheKey(userID))
	if err != nil {
		return s.Store.WalletBalance(ctx, userID)
	}
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if d, err := decimal.NewFromString(v); err == nil {
			return d, nil
		}
	}

	balance, err := s.Store.WalletBalance(ctx, userID)
	if err != nil {
		return balance, err
	}
	s.rdb.Set(ctx, key, balance.String(), s.ttl)
	return balance, nil
}

// trackingOps records which cache keys a unit of work touched. Reads
// inside a transaction always go to the primary.
type trackingOps struct {
	Ops
	dirty *[]string
}

func (t *trackingOps) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) (bool, error) {
	inserted, err := t.Ops.InsertLedgerEntry(ctx, entry)
	if inserted {
		*t.dirty = append(*t.dirty, balanceKey(entry.Asset, entry.OwnerUserID))
	}
	return inserted, err
}

func (t *trackingOps) ApplyWalletTransaction(ctx context.Context, tx *model.WalletTransaction) (bool, error) {
	inserted, err := t.Ops.ApplyWalletTransaction(ctx, tx)
	if inserted {
		*t.dirty = append(*t.dirty, walletCacheKey(tx.UserID))
	}
	return inserted, err
}

// --- Cache helpers ---

func ownerOnly(f LedgerFilter) bool {
	return f.OwnerUserID != "" && len(f.SourceKinds) == 0 && len(f.ExcludeKinds) == 0 &&
		len(f.ReversesKinds) == 0 && f.SourceID == "" && f.Direction == "" && f.ReversalOfID == "" &&
		f.From.IsZero() && f.To.IsZero()
}

func balanceKey(asset model.Asset, uid string) string {
	return fmt.Sprintf("balance:%s:%s", asset, uid)
}

func walletCacheKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }

func versionKey(key string) string { return key + ":version" }
