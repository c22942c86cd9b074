package faction

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openplace/server/model"
	"go.uber.org/zap"
)

// Stats is a faction's ranking snapshot.
type Stats struct {
	TotalPixels int64 `json:"totalPixels"`
	DailyPixels int64 `json:"dailyPixels"`
	Rank        int   `json:"rank"`
}

// FactionView is the public profile of one faction.
type FactionView struct {
	Faction model.Faction `json:"faction"`
	Stats   Stats         `json:"stats"`
	// Joinable reports whether Join can succeed purely on policy grounds;
	// bans, exclusions and the caller's cooldown still apply.
	Joinable       bool `json:"joinable"`
	InviteRequired bool `json:"inviteRequired"`
}

// LeaderboardRow is one faction on the public leaderboard.
type LeaderboardRow struct {
	Faction     model.Faction `json:"faction"`
	TotalPixels int64         `json:"totalPixels"`
	DailyPixels int64         `json:"dailyPixels"`
	Rank        int           `json:"rank"`
}

// LeaderboardPage is one page of the public leaderboard.
type LeaderboardPage struct {
	Rows []LeaderboardRow `json:"rows"`
	Page int              `json:"page"`
}

// MemberView is one member as seen by the faction owner.
type MemberView struct {
	UID      int64  `json:"uid"`
	Name     string `json:"name"`
	Role     int    `json:"role"`
	JoinedAt string `json:"joinedAt"`
}

// MineView is everything the caller sees about their own faction. The
// owner-only sections (requests, bans, excludes, invite) are empty for
// plain members.
type MineView struct {
	Faction  *model.Faction `json:"faction"`
	Stats    Stats          `json:"stats"`
	Members  []MemberView   `json:"members"`
	Requests []MemberView   `json:"requests,omitempty"`
	Bans     []int64        `json:"bans,omitempty"`
	Excludes []string       `json:"excludes,omitempty"`
	Invite   string         `json:"invite,omitempty"`
}

// statsFor reads a faction's ranking snapshot, tolerating absence.
func (s *Service) statsFor(ctx context.Context, fid int64) Stats {
	e, err := s.ranks.ScoreAndRank(ctx, fid)
	if err != nil {
		s.logger.Warn("ranking read failed", zap.Int64("fid", fid), zap.Error(err))
		return Stats{}
	}
	return Stats{TotalPixels: e.Total, DailyPixels: e.Daily, Rank: e.Rank}
}

func viewOf(f model.Faction, st Stats) FactionView {
	return FactionView{
		Faction:        f,
		Stats:          st,
		Joinable:       f.JoinPolicy != model.PolicyInviteOnly,
		InviteRequired: f.JoinPolicy == model.PolicyInviteOnly,
	}
}

// Profile returns a faction's public view by id.
func (s *Service) Profile(ctx context.Context, fid int64) (*FactionView, error) {
	key := fmt.Sprintf("profile:%d", fid)
	if v, ok := s.rc.Get(key); ok {
		return v.(*FactionView), nil
	}
	f, err := s.dir.FactionByID(fid)
	if err != nil {
		return nil, err
	}
	view := viewOf(*f, s.statsFor(ctx, fid))
	s.rc.Put(key, &view, s.cfg.CacheTTL)
	return &view, nil
}

// ByTag returns a faction's public view by its tag, case-insensitively.
func (s *Service) ByTag(ctx context.Context, tag string) (*FactionView, error) {
	tag = normalizeTag(tag)
	key := "tag:" + tag
	if v, ok := s.rc.Get(key); ok {
		return v.(*FactionView), nil
	}
	f, err := s.dir.FactionByTag(tag)
	if err != nil {
		return nil, err
	}
	view := viewOf(*f, s.statsFor(ctx, f.ID))
	s.rc.Put(key, &view, s.cfg.CacheTTL)
	return &view, nil
}

// Leaderboard pages through ranked factions, total-score descending.
// Invite-only factions are hidden. Within the page the order is total
// desc, then daily desc, then member count desc, then age (oldest first).
func (s *Service) Leaderboard(ctx context.Context, page, size int) (*LeaderboardPage, error) {
	if page < 1 {
		page = 1
	}
	size = clamp(size, s.cfg.PageSizeMin, s.cfg.PageSizeMax)
	key := fmt.Sprintf("lb:%d:%d", page, size)
	if v, ok := s.rc.Get(key); ok {
		return v.(*LeaderboardPage), nil
	}

	entries, err := s.ranks.Top(ctx, (page-1)*size, size)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.FID)
	}
	factions, err := s.dir.FactionsByIDs(ids)
	if err != nil {
		return nil, err
	}

	rows := make([]LeaderboardRow, 0, len(entries))
	for _, e := range entries {
		f, ok := factions[e.FID]
		if !ok {
			// Ranked but gone from the directory; skip rather than fail.
			continue
		}
		if f.JoinPolicy == model.PolicyInviteOnly {
			continue
		}
		rows = append(rows, LeaderboardRow{
			Faction:     f,
			TotalPixels: e.Total,
			DailyPixels: e.Daily,
			Rank:        e.Rank,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.TotalPixels != b.TotalPixels {
			return a.TotalPixels > b.TotalPixels
		}
		if a.DailyPixels != b.DailyPixels {
			return a.DailyPixels > b.DailyPixels
		}
		if a.Faction.MemberCount != b.Faction.MemberCount {
			return a.Faction.MemberCount > b.Faction.MemberCount
		}
		return a.Faction.CreatedAt.Before(b.Faction.CreatedAt)
	})

	lb := &LeaderboardPage{Rows: rows, Page: page}
	s.rc.Put(key, lb, s.cfg.CacheTTL)
	return lb, nil
}

// Mine returns the caller's own-faction view. It is also the self-healing
// point for the reverse index: a dangling index entry is cleared, and a
// member row with no index entry restores it.
func (s *Service) Mine(ctx context.Context, actor Actor) (*MineView, error) {
	if actor.UID == 0 {
		return nil, ErrUnauthorized
	}
	key := fmt.Sprintf("mine:%d", actor.UID)
	if v, ok := s.rc.Get(key); ok {
		return v.(*MineView), nil
	}

	fid, err := s.ranks.FactionOf(ctx, actor.UID)
	if err != nil {
		return nil, err
	}
	if fid == 0 {
		// Index may have been lost; the member table is authoritative.
		if m, err := s.dir.MemberByUID(actor.UID); err == nil {
			fid = m.FID
			if f, err := s.dir.FactionByID(fid); err == nil {
				if err := s.ranks.SetFaction(ctx, actor.UID, fid, f.Tag); err != nil {
					s.indexFailure("heal", actor.UID, err)
				}
			}
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if fid == 0 {
		view := &MineView{}
		s.rc.Put(key, view, s.cfg.MineCacheTTL)
		return view, nil
	}

	f, err := s.dir.FactionByID(fid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = s.ranks.ClearFaction(ctx, actor.UID)
			view := &MineView{}
			s.rc.Put(key, view, s.cfg.MineCacheTTL)
			return view, nil
		}
		return nil, err
	}

	members, err := s.dir.MembersOf(fid)
	if err != nil {
		return nil, err
	}
	uids := make([]int64, 0, len(members))
	for _, m := range members {
		uids = append(uids, m.UID)
	}

	view := &MineView{Faction: f, Stats: s.statsFor(ctx, fid)}
	names, err := s.dir.UserNames(uids)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		view.Members = append(view.Members, MemberView{
			UID:      m.UID,
			Name:     names[m.UID],
			Role:     m.Role,
			JoinedAt: m.JoinedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	if f.OwnerID == actor.UID {
		reqs, err := s.dir.JoinRequestsOf(fid)
		if err != nil {
			return nil, err
		}
		ruids := make([]int64, 0, len(reqs))
		for _, r := range reqs {
			ruids = append(ruids, r.UID)
		}
		rnames, err := s.dir.UserNames(ruids)
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			view.Requests = append(view.Requests, MemberView{
				UID:      r.UID,
				Name:     rnames[r.UID],
				JoinedAt: r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}
		bans, err := s.dir.BansOf(fid)
		if err != nil {
			return nil, err
		}
		for _, b := range bans {
			view.Bans = append(view.Bans, b.UID)
		}
		excludes, err := s.dir.CountryExcludesOf(fid)
		if err != nil {
			return nil, err
		}
		for _, e := range excludes {
			view.Excludes = append(view.Excludes, e.Country)
		}
		if f.JoinPolicy == model.PolicyInviteOnly {
			if inv, err := s.dir.EnsureGenericInvite(fid, f.OwnerID); err == nil {
				view.Invite = inv.Code
			}
		}
	}

	s.rc.Put(key, view, s.cfg.MineCacheTTL)
	return view, nil
}

// TagsFor maps user ids to their faction tags for canvas overlays.
func (s *Service) TagsFor(ctx context.Context, uids []int64) (map[int64]string, error) {
	return s.ranks.TagsFor(ctx, uids)
}
