// Package rank maintains the fast-moving faction contribution counters:
// two sorted sets (lifetime and daily pixel counts), a reverse index from
// user to faction, and the leave-cooldown markers. Everything lives in the
// key-value store; the relational tables in package faction stay the
// source of truth for membership, and dangling index entries are repaired
// opportunistically on read.
package rank

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/openplace/server/cache"
	"go.uber.org/zap"
)

const (
	totalKey         = "frank"
	dailyKey         = "frankd"
	dailyArchivePrefix = "fcds"

	userFactionPrefix = "ufid:"
	userTagPrefix     = "utag:"
	cooldownPrefix    = "fcd:"
)

// DefaultLeaveCooldown bars rejoin/recreate after leaving, a kick or a ban.
const DefaultLeaveCooldown = 5 * time.Minute

// Entry is one faction's position in the contribution ranking.
type Entry struct {
	FID   int64 `json:"id"`
	Total int64 `json:"total"`
	Daily int64 `json:"daily"`
	Rank  int   `json:"rank"`
}

// Store exposes the ranking, reverse-index and cooldown operations.
type Store struct {
	cache    cache.Cache
	cooldown time.Duration
	logger   *zap.Logger
}

// New creates a Store. A non-positive cooldown falls back to the default.
func New(c cache.Cache, cooldown time.Duration, logger *zap.Logger) *Store {
	if cooldown <= 0 {
		cooldown = DefaultLeaveCooldown
	}
	return &Store{cache: c, cooldown: cooldown, logger: logger}
}

func fidMember(fid int64) string {
	return strconv.FormatInt(fid, 10)
}

// IncrementContribution credits amount pixels to a faction on both the
// lifetime and daily sets. ZINCRBY is atomic, so concurrent attribution
// from the canvas engine never loses updates.
func (s *Store) IncrementContribution(ctx context.Context, fid int64, amount int64) error {
	if fid == 0 || amount == 0 {
		return nil
	}
	m := fidMember(fid)
	if _, err := s.cache.ZIncrBy(ctx, totalKey, float64(amount), m); err != nil {
		return fmt.Errorf("rank: increment total: %w", err)
	}
	if _, err := s.cache.ZIncrBy(ctx, dailyKey, float64(amount), m); err != nil {
		return fmt.Errorf("rank: increment daily: %w", err)
	}
	return nil
}

// AddFaction seeds both sets with score 0 so a new faction is ranked
// immediately, last among the zero-score entries.
func (s *Store) AddFaction(ctx context.Context, fid int64) error {
	m := fidMember(fid)
	if err := s.cache.ZAdd(ctx, totalKey, 0, m); err != nil {
		return fmt.Errorf("rank: seed total: %w", err)
	}
	if err := s.cache.ZAdd(ctx, dailyKey, 0, m); err != nil {
		return fmt.Errorf("rank: seed daily: %w", err)
	}
	return nil
}

// RemoveFaction drops a faction from both live sets.
func (s *Store) RemoveFaction(ctx context.Context, fid int64) error {
	m := fidMember(fid)
	if err := s.cache.ZRem(ctx, totalKey, m); err != nil {
		return fmt.Errorf("rank: remove total: %w", err)
	}
	if err := s.cache.ZRem(ctx, dailyKey, m); err != nil {
		return fmt.Errorf("rank: remove daily: %w", err)
	}
	return nil
}

// Top returns a page of ranking entries ordered by lifetime score
// descending, with daily scores batch-fetched and 1-based ranks assigned
// by page position. Ties are not specially broken here.
func (s *Store) Top(ctx context.Context, offset, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	members, totals, err := s.cache.ZRevRangeWithScores(ctx, totalKey, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, fmt.Errorf("rank: top range: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	dailies, err := s.cache.ZMScore(ctx, dailyKey, members...)
	if err != nil {
		return nil, fmt.Errorf("rank: daily scores: %w", err)
	}
	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		fid, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		var daily int64
		if i < len(dailies) {
			daily = int64(dailies[i])
		}
		entries = append(entries, Entry{
			FID:   fid,
			Total: int64(totals[i]),
			Daily: daily,
			Rank:  offset + i + 1,
		})
	}
	return entries, nil
}

// ScoreAndRank returns a single faction's lifetime/daily scores and its
// 1-based rank on the lifetime set. Rank 0 means unranked.
func (s *Store) ScoreAndRank(ctx context.Context, fid int64) (Entry, error) {
	m := fidMember(fid)
	e := Entry{FID: fid}

	total, err := s.cache.ZScore(ctx, totalKey, m)
	if err != nil && !cache.IsNotFound(err) {
		return e, fmt.Errorf("rank: total score: %w", err)
	}
	e.Total = int64(total)

	daily, err := s.cache.ZScore(ctx, dailyKey, m)
	if err != nil && !cache.IsNotFound(err) {
		return e, fmt.Errorf("rank: daily score: %w", err)
	}
	e.Daily = int64(daily)

	r, err := s.cache.ZRevRank(ctx, totalKey, m)
	if err != nil {
		if cache.IsNotFound(err) {
			return e, nil
		}
		return e, fmt.Errorf("rank: rank: %w", err)
	}
	e.Rank = int(r) + 1
	return e, nil
}

// ArchiveKeyFor returns the archive key for a daily set as of ts.
func ArchiveKeyFor(ts time.Time) string {
	return dailyArchivePrefix + ":" + ts.UTC().Format("2006-01-02")
}

// ResetDaily archives the live daily set under the prior UTC day's key and
// starts a fresh one. Implemented as a rename, so a second invocation the
// same day finds no source key and is a no-op.
func (s *Store) ResetDaily(ctx context.Context) error {
	dst := ArchiveKeyFor(time.Now().Add(-24 * time.Hour))
	err := s.cache.Rename(ctx, dailyKey, dst)
	if err != nil {
		if cache.IsNotFound(err) {
			s.logger.Debug("daily ranking already reset", zap.String("archive", dst))
			return nil
		}
		return fmt.Errorf("rank: reset daily: %w", err)
	}
	s.logger.Info("daily ranking archived", zap.String("archive", dst))
	return nil
}

// ---- reverse index ----

// FactionOf returns the faction id recorded for a user, 0 when none.
func (s *Store) FactionOf(ctx context.Context, uid int64) (int64, error) {
	v, err := s.cache.Get(ctx, userFactionPrefix+strconv.FormatInt(uid, 10))
	if err != nil {
		if cache.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("rank: faction of %d: %w", uid, err)
	}
	fid, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return fid, nil
}

// SetFaction records both halves of the reverse index for a user.
func (s *Store) SetFaction(ctx context.Context, uid, fid int64, tag string) error {
	u := strconv.FormatInt(uid, 10)
	if err := s.cache.Set(ctx, userFactionPrefix+u, strconv.FormatInt(fid, 10), 0); err != nil {
		return fmt.Errorf("rank: set faction index: %w", err)
	}
	if tag != "" {
		if err := s.cache.Set(ctx, userTagPrefix+u, tag, 0); err != nil {
			return fmt.Errorf("rank: set tag index: %w", err)
		}
	}
	return nil
}

// ClearFaction removes both halves of the reverse index for a user.
func (s *Store) ClearFaction(ctx context.Context, uid int64) error {
	u := strconv.FormatInt(uid, 10)
	if err := s.cache.Del(ctx, userFactionPrefix+u, userTagPrefix+u); err != nil {
		return fmt.Errorf("rank: clear faction index: %w", err)
	}
	return nil
}

// TagsFor batch-resolves faction tags for the given users. Users without
// a faction are absent from the result.
func (s *Store) TagsFor(ctx context.Context, uids []int64) (map[int64]string, error) {
	if len(uids) == 0 {
		return map[int64]string{}, nil
	}
	keys := make([]string, len(uids))
	for i, uid := range uids {
		keys[i] = userTagPrefix + strconv.FormatInt(uid, 10)
	}
	vals, err := s.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("rank: tags: %w", err)
	}
	out := make(map[int64]string, len(uids))
	for i, v := range vals {
		if v != "" {
			out[uids[i]] = v
		}
	}
	return out, nil
}

// ---- leave cooldown ----

// SetLeaveCooldown marks a user as recently departed. The marker lives in
// the key-value store so it survives process restarts.
func (s *Store) SetLeaveCooldown(ctx context.Context, uid int64) error {
	key := cooldownPrefix + strconv.FormatInt(uid, 10)
	if err := s.cache.Set(ctx, key, "1", s.cooldown); err != nil {
		return fmt.Errorf("rank: set cooldown: %w", err)
	}
	return nil
}

// HasLeaveCooldown reports whether a user's cooldown is still active.
func (s *Store) HasLeaveCooldown(ctx context.Context, uid int64) (bool, error) {
	key := cooldownPrefix + strconv.FormatInt(uid, 10)
	ok, err := s.cache.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("rank: check cooldown: %w", err)
	}
	return ok, nil
}
