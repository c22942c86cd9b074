package faction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openplace/server/model"
	"github.com/openplace/server/rank"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UID     int64
	Userlvl int
	Country string
}

// IsAdmin reports whether the actor holds moderation privileges.
func (a Actor) IsAdmin() bool {
	return a.Userlvl >= model.UserlvlAdmin
}

// AvatarStore removes a faction's avatar asset. Removal is best-effort;
// a missing asset is not an error.
type AvatarStore interface {
	Remove(fid int64) error
}

// Config tunes the service's cache TTLs and paging bounds.
type Config struct {
	CacheTTL     time.Duration
	MineCacheTTL time.Duration
	PageSizeMin  int
	PageSizeMax  int
}

func (c *Config) fill() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Second
	}
	if c.MineCacheTTL <= 0 {
		c.MineCacheTTL = 3 * time.Second
	}
	if c.PageSizeMin <= 0 {
		c.PageSizeMin = 5
	}
	if c.PageSizeMax <= 0 {
		c.PageSizeMax = 50
	}
}

// Service orchestrates the Directory (relational, authoritative) and the
// ranking store (key-value, self-healing) behind every faction operation.
// Callers never touch either store directly. Mutations validate first,
// commit the relational half, then update the key-value half; a failure
// in the second half is logged and repaired on a later read rather than
// surfaced, because the relational state is the source of truth.
type Service struct {
	dir     *Directory
	ranks   *rank.Store
	rc      *ReadCache
	db      *gorm.DB
	avatars AvatarStore
	cfg     Config
	logger  *zap.Logger
}

// NewService creates a Service. avatars may be nil when no asset storage
// is configured.
func NewService(dir *Directory, ranks *rank.Store, rc *ReadCache, db *gorm.DB, avatars AvatarStore, cfg Config, logger *zap.Logger) *Service {
	cfg.fill()
	return &Service{dir: dir, ranks: ranks, rc: rc, db: db, avatars: avatars, cfg: cfg, logger: logger}
}

// invalidate drops all memoized faction reads, before the mutation's
// response is returned.
func (s *Service) invalidate(ctx context.Context) {
	s.rc.InvalidateAll(ctx)
}

// indexFailure records a reverse-index write that failed after the
// relational commit. The next read self-heals.
func (s *Service) indexFailure(op string, uid int64, err error) {
	s.logger.Warn("reverse index update failed, will self-heal on read",
		zap.String("op", op), zap.Int64("uid", uid), zap.Error(err))
}

func normalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

func normalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// ---- create ----

// Create makes a new faction with the caller as sole owner member, seeds
// the ranking sets and, for invite-only factions, provisions the generic
// invite eagerly.
func (s *Service) Create(ctx context.Context, actor Actor, name, tag string, policy int) (*model.Faction, error) {
	if actor.UID == 0 {
		return nil, ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 24 {
		return nil, fmt.Errorf("%w: invalid name", ErrInvalidInput)
	}
	tag = normalizeTag(tag)
	if len(tag) < 2 || len(tag) > 4 {
		return nil, fmt.Errorf("%w: invalid tag", ErrInvalidInput)
	}
	if !model.ValidPolicy(policy) {
		return nil, fmt.Errorf("%w: invalid policy", ErrInvalidInput)
	}
	if cd, err := s.ranks.HasLeaveCooldown(ctx, actor.UID); err != nil {
		return nil, err
	} else if cd {
		return nil, ErrRateLimited
	}
	if fid, err := s.ranks.FactionOf(ctx, actor.UID); err != nil {
		return nil, err
	} else if fid != 0 {
		return nil, fmt.Errorf("%w: already in faction", ErrConflict)
	}

	f, err := s.dir.CreateFaction(name, tag, policy, actor.UID)
	if err != nil {
		return nil, err
	}

	if err := s.ranks.SetFaction(ctx, actor.UID, f.ID, f.Tag); err != nil {
		s.indexFailure("create", actor.UID, err)
	}
	if err := s.ranks.AddFaction(ctx, f.ID); err != nil {
		s.logger.Warn("ranking seed failed", zap.Int64("fid", f.ID), zap.Error(err))
	}
	if policy == model.PolicyInviteOnly {
		if _, err := s.dir.EnsureGenericInvite(f.ID, actor.UID); err != nil {
			s.logger.Warn("invite provisioning failed", zap.Int64("fid", f.ID), zap.Error(err))
		}
	}
	s.invalidate(ctx)
	return f, nil
}

// ---- admission ----

// JoinResult distinguishes immediate membership from a pending request.
type JoinResult struct {
	Pending bool
}

// admissionCheck enforces the preconditions shared by Join and
// AcceptInvite: no cooldown, not banned, not country-excluded, not
// already in a faction.
func (s *Service) admissionCheck(ctx context.Context, actor Actor, f *model.Faction) error {
	if banned, err := s.dir.IsBanned(f.ID, actor.UID); err != nil {
		return err
	} else if banned {
		return fmt.Errorf("%w: banned", ErrForbidden)
	}
	if excluded, err := s.dir.IsCountryExcluded(f.ID, normalizeCountry(actor.Country)); err != nil {
		return err
	} else if excluded {
		return fmt.Errorf("%w: country excluded", ErrForbidden)
	}
	if fid, err := s.ranks.FactionOf(ctx, actor.UID); err != nil {
		return err
	} else if fid != 0 {
		return fmt.Errorf("%w: already in faction", ErrConflict)
	}
	return nil
}

// grantMembership performs the relational member insert and then the
// reverse-index write.
func (s *Service) grantMembership(ctx context.Context, f *model.Faction, uid int64) error {
	if err := s.dir.AddMember(f.ID, uid); err != nil {
		return err
	}
	if err := s.ranks.SetFaction(ctx, uid, f.ID, f.Tag); err != nil {
		s.indexFailure("grant", uid, err)
	}
	return nil
}

// Join admits the caller under the faction's policy: immediate membership
// when OPEN, a pending request when REQUEST, rejection when INVITE_ONLY
// (AcceptInvite is the only door in).
func (s *Service) Join(ctx context.Context, actor Actor, fid int64) (*JoinResult, error) {
	if actor.UID == 0 {
		return nil, ErrUnauthorized
	}
	if cd, err := s.ranks.HasLeaveCooldown(ctx, actor.UID); err != nil {
		return nil, err
	} else if cd {
		return nil, ErrRateLimited
	}
	f, err := s.dir.FactionByID(fid)
	if err != nil {
		return nil, err
	}
	if err := s.admissionCheck(ctx, actor, f); err != nil {
		return nil, err
	}

	switch f.JoinPolicy {
	case model.PolicyOpen:
		if err := s.grantMembership(ctx, f, actor.UID); err != nil {
			return nil, err
		}
		s.invalidate(ctx)
		return &JoinResult{}, nil
	case model.PolicyRequest:
		if err := s.dir.UpsertJoinRequest(f.ID, actor.UID); err != nil {
			return nil, err
		}
		s.invalidate(ctx)
		return &JoinResult{Pending: true}, nil
	default:
		return nil, fmt.Errorf("%w: invite required", ErrForbidden)
	}
}

// AcceptInvite redeems an invite code. The faction must still be
// INVITE_ONLY: codes issued under a policy that has since changed are void.
func (s *Service) AcceptInvite(ctx context.Context, actor Actor, code string) error {
	if actor.UID == 0 {
		return ErrUnauthorized
	}
	if cd, err := s.ranks.HasLeaveCooldown(ctx, actor.UID); err != nil {
		return err
	} else if cd {
		return ErrRateLimited
	}
	inv, err := s.dir.InviteByCode(strings.TrimSpace(code))
	if err != nil {
		return err
	}
	if inv.InvitedUID != 0 && inv.InvitedUID != actor.UID {
		return fmt.Errorf("%w: invite is for another user", ErrForbidden)
	}
	f, err := s.dir.FactionByID(inv.FID)
	if err != nil {
		return err
	}
	if f.JoinPolicy != model.PolicyInviteOnly {
		return fmt.Errorf("%w: invalid invite", ErrInvalidInput)
	}
	if err := s.admissionCheck(ctx, actor, f); err != nil {
		return err
	}
	if err := s.grantMembership(ctx, f, actor.UID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ---- departure ----

// Leave removes the caller from their faction and starts the leave
// cooldown. The owner cannot leave; they must Transfer or Delete first.
// Leaving while in no faction is a no-op.
func (s *Service) Leave(ctx context.Context, actor Actor) error {
	if actor.UID == 0 {
		return ErrUnauthorized
	}
	fid, err := s.ranks.FactionOf(ctx, actor.UID)
	if err != nil {
		return err
	}
	if fid == 0 {
		return nil
	}
	f, err := s.dir.FactionByID(fid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Dangling index entry; the faction is gone.
			_ = s.ranks.ClearFaction(ctx, actor.UID)
			return nil
		}
		return err
	}
	if f.OwnerID == actor.UID {
		return fmt.Errorf("%w: owner must transfer or delete", ErrForbidden)
	}
	if err := s.dir.RemoveMember(fid, actor.UID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.ranks.ClearFaction(ctx, actor.UID); err != nil {
		s.indexFailure("leave", actor.UID, err)
	}
	if err := s.ranks.SetLeaveCooldown(ctx, actor.UID); err != nil {
		s.logger.Warn("cooldown set failed", zap.Int64("uid", actor.UID), zap.Error(err))
	}
	s.invalidate(ctx)
	return nil
}

// ---- owner-only operations ----

// ownedFaction resolves the caller's faction and verifies ownership.
func (s *Service) ownedFaction(ctx context.Context, actor Actor) (*model.Faction, error) {
	if actor.UID == 0 {
		return nil, ErrUnauthorized
	}
	fid, err := s.ranks.FactionOf(ctx, actor.UID)
	if err != nil {
		return nil, err
	}
	if fid == 0 {
		return nil, fmt.Errorf("%w: not in faction", ErrForbidden)
	}
	f, err := s.dir.FactionByID(fid)
	if err != nil {
		return nil, err
	}
	if f.OwnerID != actor.UID {
		return nil, ErrForbidden
	}
	return f, nil
}

// Approve converts a pending join request into membership. A request that
// no longer exists reports ErrNotFound and has no side effects.
func (s *Service) Approve(ctx context.Context, actor Actor, uid int64) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.dir.DeleteJoinRequest(f.ID, uid); err != nil {
		return err
	}
	if err := s.grantMembership(ctx, f, uid); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Deny discards a pending join request without side effects.
func (s *Service) Deny(ctx context.Context, actor Actor, uid int64) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.dir.DeleteJoinRequest(f.ID, uid); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// removeTarget is the shared tail of Kick and Ban: drop membership, clear
// the reverse index, start the target's cooldown.
func (s *Service) removeTarget(ctx context.Context, fid, uid int64) error {
	if err := s.dir.RemoveMember(fid, uid); err != nil {
		return err
	}
	if err := s.ranks.ClearFaction(ctx, uid); err != nil {
		s.indexFailure("remove", uid, err)
	}
	if err := s.ranks.SetLeaveCooldown(ctx, uid); err != nil {
		s.logger.Warn("cooldown set failed", zap.Int64("uid", uid), zap.Error(err))
	}
	return nil
}

func (s *Service) guardTarget(actor Actor, f *model.Faction, uid int64) error {
	if uid == actor.UID {
		return fmt.Errorf("%w: cannot target self", ErrInvalidInput)
	}
	if uid == f.OwnerID {
		return fmt.Errorf("%w: cannot target owner", ErrInvalidInput)
	}
	return nil
}

// Kick removes a member without a ban record; they may rejoin later,
// subject to policy and the cooldown.
func (s *Service) Kick(ctx context.Context, actor Actor, uid int64) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.guardTarget(actor, f, uid); err != nil {
		return err
	}
	if err := s.removeTarget(ctx, f.ID, uid); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Ban removes a member (if they are one) and records a ban blocking any
// future Join or AcceptInvite until Unban.
func (s *Service) Ban(ctx context.Context, actor Actor, uid int64) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.guardTarget(actor, f, uid); err != nil {
		return err
	}
	if err := s.removeTarget(ctx, f.ID, uid); err != nil && !errors.Is(err, ErrNotFound) {
		// Banning a non-member is allowed; only real failures abort.
		return err
	}
	if err := s.dir.AddBan(f.ID, uid); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Unban lifts a ban. An absent ban reports ErrNotFound.
func (s *Service) Unban(ctx context.Context, actor Actor, uid int64) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.dir.RemoveBan(f.ID, uid); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Exclude blocks future joins and invite acceptance from a country.
// Existing members are unaffected.
func (s *Service) Exclude(ctx context.Context, actor Actor, country string) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	country = normalizeCountry(country)
	if len(country) != 2 {
		return fmt.Errorf("%w: invalid country", ErrInvalidInput)
	}
	if err := s.dir.AddCountryExclude(f.ID, country); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// Include lifts a country exclusion.
func (s *Service) Include(ctx context.Context, actor Actor, country string) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	country = normalizeCountry(country)
	if len(country) != 2 {
		return fmt.Errorf("%w: invalid country", ErrInvalidInput)
	}
	if err := s.dir.RemoveCountryExclude(f.ID, country); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// UpdateParams carries the optional faction mutations.
type UpdateParams struct {
	Name       *string
	Tag        *string
	JoinPolicy *int
}

// Update mutates name, tag and/or policy. A tag change fans out to every
// member's reverse-index tag so cached tag lookups stay correct; a switch
// to INVITE_ONLY lazily provisions the generic invite.
func (s *Service) Update(ctx context.Context, actor Actor, p UpdateParams) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}

	changes := map[string]interface{}{}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" || len(name) > 24 {
			return fmt.Errorf("%w: invalid name", ErrInvalidInput)
		}
		changes["name"] = name
	}
	var newTag string
	if p.Tag != nil {
		newTag = normalizeTag(*p.Tag)
		if len(newTag) < 2 || len(newTag) > 4 {
			return fmt.Errorf("%w: invalid tag", ErrInvalidInput)
		}
		changes["tag"] = newTag
	}
	if p.JoinPolicy != nil {
		if !model.ValidPolicy(*p.JoinPolicy) {
			return fmt.Errorf("%w: invalid policy", ErrInvalidInput)
		}
		changes["join_policy"] = *p.JoinPolicy
	}
	if len(changes) == 0 {
		return nil
	}
	if err := s.dir.UpdateFaction(f.ID, changes); err != nil {
		return err
	}

	if p.JoinPolicy != nil && *p.JoinPolicy == model.PolicyInviteOnly {
		if _, err := s.dir.EnsureGenericInvite(f.ID, actor.UID); err != nil {
			s.logger.Warn("invite provisioning failed", zap.Int64("fid", f.ID), zap.Error(err))
		}
	}
	if newTag != "" {
		uids, err := s.dir.MemberUIDs(f.ID)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			if err := s.ranks.SetFaction(ctx, uid, f.ID, newTag); err != nil {
				s.indexFailure("retag", uid, err)
			}
		}
	}
	s.invalidate(ctx)
	return nil
}

// reauth verifies the caller's stored credential hash against password.
func (s *Service) reauth(uid int64, password string) error {
	var u model.User
	if err := s.db.First(&u, uid).Error; err != nil {
		return ErrReauthFailed
	}
	if u.PasswordHash == "" {
		return ErrReauthFailed
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return ErrReauthFailed
	}
	return nil
}

// Transfer reassigns ownership to another existing member. The caller
// must reauthenticate with their password; a mismatch is a hard
// rejection regardless of everything else.
func (s *Service) Transfer(ctx context.Context, actor Actor, newOwner int64, password string) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.reauth(actor.UID, password); err != nil {
		return err
	}
	if newOwner == actor.UID {
		return fmt.Errorf("%w: already owner", ErrInvalidInput)
	}
	if err := s.dir.SetOwner(f.ID, actor.UID, newOwner); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// deleteCascade is shared by Delete and AdminDelete: relational cascade,
// ranking removal, reverse-index cleanup, best-effort avatar removal.
func (s *Service) deleteCascade(ctx context.Context, fid int64) error {
	uids, err := s.dir.DeleteFactionCascade(fid)
	if err != nil {
		return err
	}
	if err := s.ranks.RemoveFaction(ctx, fid); err != nil {
		s.logger.Warn("ranking removal failed", zap.Int64("fid", fid), zap.Error(err))
	}
	for _, uid := range uids {
		if err := s.ranks.ClearFaction(ctx, uid); err != nil {
			s.indexFailure("delete", uid, err)
		}
	}
	if s.avatars != nil {
		if err := s.avatars.Remove(fid); err != nil {
			s.logger.Warn("avatar removal failed", zap.Int64("fid", fid), zap.Error(err))
		}
	}
	s.invalidate(ctx)
	return nil
}

// Delete destroys the caller's faction after password reauthentication.
func (s *Service) Delete(ctx context.Context, actor Actor, password string) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.reauth(actor.UID, password); err != nil {
		return err
	}
	return s.deleteCascade(ctx, f.ID)
}

// EnsureInvite returns the faction's generic invite code, creating it
// lazily.
func (s *Service) EnsureInvite(ctx context.Context, actor Actor) (string, error) {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return "", err
	}
	inv, err := s.dir.EnsureGenericInvite(f.ID, actor.UID)
	if err != nil {
		return "", err
	}
	return inv.Code, nil
}

// SetAvatar stores the faction's avatar URL. Upload and transcoding
// happen elsewhere; the service only records the result.
func (s *Service) SetAvatar(ctx context.Context, actor Actor, url string) error {
	f, err := s.ownedFaction(ctx, actor)
	if err != nil {
		return err
	}
	if url == "" || len(url) > 255 {
		return fmt.Errorf("%w: invalid avatar url", ErrInvalidInput)
	}
	if err := s.dir.UpdateFaction(f.ID, map[string]interface{}{"avatar": url}); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ---- admin ----

// AdminList pages through all factions regardless of policy or
// membership. Privilege level substitutes for ownership here, read-only.
func (s *Service) AdminList(actor Actor, q string, page, size int) ([]model.Faction, error) {
	if actor.UID == 0 {
		return nil, ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if page < 1 {
		page = 1
	}
	size = clamp(size, s.cfg.PageSizeMin, s.cfg.PageSizeMax)
	return s.dir.SearchFactions(strings.TrimSpace(q), page, size)
}

// AdminDelete applies the full delete cascade to any faction. Privilege
// level substitutes for password reauthentication.
func (s *Service) AdminDelete(ctx context.Context, actor Actor, fid int64) error {
	if actor.UID == 0 {
		return ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	return s.deleteCascade(ctx, fid)
}

// ---- contribution ingress ----

// IncrementContribution is the single entry point the canvas engine calls
// when attributing placed pixels to a faction.
func (s *Service) IncrementContribution(ctx context.Context, fid int64, amount int64) error {
	return s.ranks.IncrementContribution(ctx, fid, amount)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
