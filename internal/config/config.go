package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pv-engine/internal/model"
)

type Config struct {
	Addr        string
	DatabaseURL string // empty = in-memory store
	DBMaxConns  int32
	RedisURL    string // empty = no cache, in-process locks
	CacheTTL    time.Duration
	LogLevel    string

	// RequestTimeout bounds every API request. Long settlement runs
	// belong in settlectl.
	RequestTimeout time.Duration

	PVMaxDepth        int // 0 = walk to the root
	PointsPerPV       decimal.Decimal
	SettlementWorkers int
	LockTTL           time.Duration
	ReleaseEvery      time.Duration
	ReleaseBatchSize  int

	// Bonus holds the defaults; a saved settings row overrides them.
	Bonus model.BonusConfig
}

func Load() (Config, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("PV_ENGINE_ADDR", ":8080")
	}

	cfg := Config{
		Addr:              addr,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:        int32(envIntDefault("DB_MAX_CONNS", 20)),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:          envDurationDefault("CACHE_TTL", 30*time.Second),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		RequestTimeout:    envDurationDefault("REQUEST_TIMEOUT", 30*time.Second),
		PVMaxDepth:        envIntDefault("PV_MAX_DEPTH", 0),
		SettlementWorkers: envIntDefault("SETTLEMENT_WORKERS", 8),
		LockTTL:           envDurationDefault("SETTLEMENT_LOCK_TTL", 30*time.Minute),
		ReleaseEvery:      envDurationDefault("RELEASE_EVERY", time.Minute),
		ReleaseBatchSize:  envIntDefault("RELEASE_BATCH_SIZE", 500),
	}

	var errs []error
	dec := func(key, fallback string) decimal.Decimal {
		v, err := envDecimalDefault(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg.PointsPerPV = dec("POINTS_PER_PV", "0")
	cfg.Bonus = model.BonusConfig{
		PairUnitPrice:      dec("PAIR_UNIT_PRICE", "0.01"),
		WeeklyPairCap:      dec("WEEKLY_PAIR_CAP", "0"),
		PVPerPair:          dec("PV_PER_PAIR", "100"),
		SalesPerPV:         dec("SALES_PER_PV", "1"),
		PayoutRatio:        dec("PAYOUT_RATIO", "0.4"),
		MinKFactor:         dec("MIN_K_FACTOR", "0.01"),
		CarryFlashStrategy: envDefault("CARRY_FLASH_STRATEGY", "deduct_paid"),
		BonusHoldHours:     envIntDefault("BONUS_HOLD_HOURS", 0),
		StockistPoolRate:   dec("STOCKIST_POOL_RATE", "0.01"),
		LeaderPoolRate:     dec("LEADER_POOL_RATE", "0.01"),
		StockistPVPerShare: dec("STOCKIST_PV_PER_SHARE", "1000"),
		MinStockistShares:  int64(envIntDefault("MIN_STOCKIST_SHARES", 1)),
		MinLeaderScore:     dec("MIN_LEADER_SCORE", "0"),
	}

	rates, err := ParseRates(envDefault("MATCHING_RATES", "0.10,0.05,0.03"))
	if err != nil {
		errs = append(errs, fmt.Errorf("MATCHING_RATES: %w", err))
	}
	cfg.Bonus.MatchingRates = rates

	if cfg.SettlementWorkers < 1 {
		cfg.SettlementWorkers = 1
	}
	return cfg, errors.Join(errs...)
}

// ParseRates parses a comma-separated list of decimals, e.g. "0.10,0.05".
// An empty string yields no rates.
func ParseRates(s string) ([]decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	rates := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		r, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q: %w", p, err)
		}
		if r.IsNegative() {
			return nil, fmt.Errorf("negative rate %q", p)
		}
		rates = append(rates, r)
	}
	return rates, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDecimalDefault fails loudly: a mistyped money parameter must not
// silently fall back.
func envDecimalDefault(key, fallback string) (decimal.Decimal, error) {
	v := envDefault(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(fallback), fmt.Errorf("%s: invalid decimal %q", key, v)
	}
	return d, nil
}
