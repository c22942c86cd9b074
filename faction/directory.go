package faction

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/openplace/server/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Directory is the relational store for factions, memberships, bans,
// country excludes, invites and join requests. Multi-row mutations run in
// a single transaction so the denormalized MemberCount can never drift
// from the live member rows.
type Directory struct {
	db *gorm.DB
}

// NewDirectory creates a Directory on the given gorm DB.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}

// ---- factions ----

// CreateFaction inserts the faction and its owning member row atomically.
// The name/tag existence check runs inside the same transaction; the
// unique indexes are the backstop against a concurrent insert racing past
// the check.
func (d *Directory) CreateFaction(name, tag string, policy model.JoinPolicy, ownerID int64) (*model.Faction, error) {
	f := &model.Faction{
		Name:        name,
		Tag:         tag,
		JoinPolicy:  policy,
		MemberCount: 1,
		OwnerID:     ownerID,
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Faction{}).
			Where("name = ? OR tag = ?", name, tag).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: name or tag exists", ErrConflict)
		}
		if err := tx.Create(f).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: name or tag exists", ErrConflict)
			}
			return err
		}
		return tx.Create(&model.FactionMember{UID: ownerID, FID: f.ID, Role: model.RoleOwner}).Error
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FactionByID loads a faction or reports ErrNotFound.
func (d *Directory) FactionByID(fid int64) (*model.Faction, error) {
	var f model.Faction
	if err := d.db.First(&f, fid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: faction %d", ErrNotFound, fid)
		}
		return nil, err
	}
	return &f, nil
}

// FactionByTag loads a faction by its (upper-cased) tag.
func (d *Directory) FactionByTag(tag string) (*model.Faction, error) {
	var f model.Faction
	if err := d.db.Where("tag = ?", tag).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: tag %s", ErrNotFound, tag)
		}
		return nil, err
	}
	return &f, nil
}

// FactionsByIDs batch-loads faction rows for the leaderboard join.
func (d *Directory) FactionsByIDs(fids []int64) (map[int64]model.Faction, error) {
	out := make(map[int64]model.Faction, len(fids))
	if len(fids) == 0 {
		return out, nil
	}
	var rows []model.Faction
	if err := d.db.Where("id IN ?", fids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, f := range rows {
		out[f.ID] = f
	}
	return out, nil
}

// SearchFactions pages through factions by name substring, for moderation.
func (d *Directory) SearchFactions(q string, page, size int) ([]model.Faction, error) {
	var rows []model.Faction
	tx := d.db.Order("id ASC").Limit(size).Offset((page - 1) * size)
	if q != "" {
		tx = tx.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%")
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateFaction applies the given column changes.
func (d *Directory) UpdateFaction(fid int64, changes map[string]interface{}) error {
	if len(changes) == 0 {
		return nil
	}
	err := d.db.Model(&model.Faction{}).Where("id = ?", fid).Updates(changes).Error
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: name or tag exists", ErrConflict)
	}
	return err
}

// SetOwner reassigns ownership: the faction row and both member roles
// change together or not at all.
func (d *Directory) SetOwner(fid, oldOwner, newOwner int64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.FactionMember{}).
			Where("uid = ? AND fid = ?", newOwner, fid).
			Update("role", model.RoleOwner)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: member %d", ErrNotFound, newOwner)
		}
		if err := tx.Model(&model.FactionMember{}).
			Where("uid = ? AND fid = ?", oldOwner, fid).
			Update("role", model.RoleMember).Error; err != nil {
			return err
		}
		return tx.Model(&model.Faction{}).Where("id = ?", fid).Update("owner_id", newOwner).Error
	})
}

// DeleteFactionCascade removes the faction and every dependent row in one
// transaction, returning the member UIDs that need their reverse index
// cleared afterwards.
func (d *Directory) DeleteFactionCascade(fid int64) ([]int64, error) {
	var uids []int64
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.FactionMember{}).
			Where("fid = ?", fid).
			Pluck("uid", &uids).Error; err != nil {
			return err
		}
		for _, m := range []interface{}{
			&model.FactionMember{},
			&model.FactionJoinRequest{},
			&model.FactionBan{},
			&model.FactionCountryExclude{},
			&model.FactionInvite{},
		} {
			if err := tx.Where("fid = ?", fid).Delete(m).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&model.Faction{}, fid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: faction %d", ErrNotFound, fid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// ---- members ----

// AddMember inserts the member row and bumps MemberCount in one
// transaction. A user already in some faction trips the UID primary key
// and reports ErrConflict.
func (d *Directory) AddMember(fid, uid int64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.FactionMember{UID: uid, FID: fid, Role: model.RoleMember}).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: already in faction", ErrConflict)
			}
			return err
		}
		return tx.Model(&model.Faction{}).Where("id = ?", fid).
			Update("member_count", gorm.Expr("member_count + 1")).Error
	})
}

// RemoveMember deletes the member row and decrements MemberCount together.
func (d *Directory) RemoveMember(fid, uid int64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("uid = ? AND fid = ?", uid, fid).Delete(&model.FactionMember{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: member %d", ErrNotFound, uid)
		}
		return tx.Model(&model.Faction{}).Where("id = ?", fid).
			Update("member_count", gorm.Expr("member_count - 1")).Error
	})
}

// MemberOf returns a user's member row in a faction, or ErrNotFound.
func (d *Directory) MemberOf(fid, uid int64) (*model.FactionMember, error) {
	var m model.FactionMember
	if err := d.db.Where("uid = ? AND fid = ?", uid, fid).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: member %d", ErrNotFound, uid)
		}
		return nil, err
	}
	return &m, nil
}

// MemberByUID returns the member row for a user regardless of faction.
func (d *Directory) MemberByUID(uid int64) (*model.FactionMember, error) {
	var m model.FactionMember
	if err := d.db.Where("uid = ?", uid).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: member %d", ErrNotFound, uid)
		}
		return nil, err
	}
	return &m, nil
}

// MembersOf lists a faction's members.
func (d *Directory) MembersOf(fid int64) ([]model.FactionMember, error) {
	var ms []model.FactionMember
	if err := d.db.Where("fid = ?", fid).Order("joined_at ASC").Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// MemberUIDs lists only the member ids, for bulk reverse-index updates.
func (d *Directory) MemberUIDs(fid int64) ([]int64, error) {
	var uids []int64
	if err := d.db.Model(&model.FactionMember{}).Where("fid = ?", fid).Pluck("uid", &uids).Error; err != nil {
		return nil, err
	}
	return uids, nil
}

// CountMembers returns the live member row count, used to verify the
// denormalized counter.
func (d *Directory) CountMembers(fid int64) (int64, error) {
	var n int64
	err := d.db.Model(&model.FactionMember{}).Where("fid = ?", fid).Count(&n).Error
	return n, err
}

// ---- join requests ----

// UpsertJoinRequest records a pending request; repeating it is a no-op.
func (d *Directory) UpsertJoinRequest(fid, uid int64) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.FactionJoinRequest{FID: fid, UID: uid}).Error
}

// DeleteJoinRequest removes a pending request, ErrNotFound when absent.
func (d *Directory) DeleteJoinRequest(fid, uid int64) error {
	res := d.db.Where("fid = ? AND uid = ?", fid, uid).Delete(&model.FactionJoinRequest{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: no request from %d", ErrNotFound, uid)
	}
	return nil
}

// JoinRequestsOf lists pending requests for a faction.
func (d *Directory) JoinRequestsOf(fid int64) ([]model.FactionJoinRequest, error) {
	var rs []model.FactionJoinRequest
	if err := d.db.Where("fid = ?", fid).Find(&rs).Error; err != nil {
		return nil, err
	}
	return rs, nil
}

// JoinRequestExists reports whether uid has a pending request.
func (d *Directory) JoinRequestExists(fid, uid int64) (bool, error) {
	var n int64
	err := d.db.Model(&model.FactionJoinRequest{}).
		Where("fid = ? AND uid = ?", fid, uid).Count(&n).Error
	return n > 0, err
}

// ---- bans ----

// AddBan records a ban; banning an already-banned user is a no-op.
func (d *Directory) AddBan(fid, uid int64) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.FactionBan{FID: fid, UID: uid}).Error
}

// RemoveBan lifts a ban, ErrNotFound when none exists.
func (d *Directory) RemoveBan(fid, uid int64) error {
	res := d.db.Where("fid = ? AND uid = ?", fid, uid).Delete(&model.FactionBan{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: no ban for %d", ErrNotFound, uid)
	}
	return nil
}

// IsBanned reports whether uid is banned from the faction.
func (d *Directory) IsBanned(fid, uid int64) (bool, error) {
	var n int64
	err := d.db.Model(&model.FactionBan{}).
		Where("fid = ? AND uid = ?", fid, uid).Count(&n).Error
	return n > 0, err
}

// BansOf lists a faction's bans.
func (d *Directory) BansOf(fid int64) ([]model.FactionBan, error) {
	var bs []model.FactionBan
	if err := d.db.Where("fid = ?", fid).Find(&bs).Error; err != nil {
		return nil, err
	}
	return bs, nil
}

// ---- country excludes ----

// AddCountryExclude blocks a country; duplicates report ErrConflict so the
// caller can tell the owner the exclusion already exists.
func (d *Directory) AddCountryExclude(fid int64, country string) error {
	err := d.db.Create(&model.FactionCountryExclude{FID: fid, Country: country}).Error
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: country already excluded", ErrConflict)
	}
	return err
}

// RemoveCountryExclude lifts a country block, ErrNotFound when absent.
func (d *Directory) RemoveCountryExclude(fid int64, country string) error {
	res := d.db.Where("fid = ? AND country = ?", fid, country).Delete(&model.FactionCountryExclude{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: country not excluded", ErrNotFound)
	}
	return nil
}

// IsCountryExcluded reports whether a country is blocked by the faction.
func (d *Directory) IsCountryExcluded(fid int64, country string) (bool, error) {
	if country == "" {
		return false, nil
	}
	var n int64
	err := d.db.Model(&model.FactionCountryExclude{}).
		Where("fid = ? AND country = ?", fid, country).Count(&n).Error
	return n > 0, err
}

// CountryExcludesOf lists a faction's country blocks.
func (d *Directory) CountryExcludesOf(fid int64) ([]model.FactionCountryExclude, error) {
	var es []model.FactionCountryExclude
	if err := d.db.Where("fid = ?", fid).Find(&es).Error; err != nil {
		return nil, err
	}
	return es, nil
}

// ---- invites ----

const inviteAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newInviteCode returns 12 random base36 chars grouped 4-4-4.
func newInviteCode() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = inviteAlphabet[int(buf[i])%len(inviteAlphabet)]
	}
	raw := string(buf)
	return raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12], nil
}

// InviteByCode resolves an invite code, ErrNotFound for unknown codes.
func (d *Directory) InviteByCode(code string) (*model.FactionInvite, error) {
	var inv model.FactionInvite
	if err := d.db.Where("code = ?", code).First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: invalid invite", ErrNotFound)
		}
		return nil, err
	}
	return &inv, nil
}

// EnsureGenericInvite returns the faction's generic invite, creating it
// lazily. The unique index on Code guards the create; on the unlikely
// collision the code is regenerated once.
func (d *Directory) EnsureGenericInvite(fid, createdBy int64) (*model.FactionInvite, error) {
	var inv model.FactionInvite
	err := d.db.Where("fid = ? AND invited_uid = 0", fid).First(&inv).Error
	if err == nil {
		return &inv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		code, err := newInviteCode()
		if err != nil {
			return nil, err
		}
		inv = model.FactionInvite{FID: fid, Code: code, InvitedUID: 0, CreatedBy: createdBy}
		createErr := d.db.Create(&inv).Error
		if createErr == nil {
			return &inv, nil
		}
		if !isUniqueViolation(createErr) {
			return nil, createErr
		}
	}
	return nil, fmt.Errorf("%w: invite code collision", ErrConflict)
}

// ---- users ----

// UserNames maps user ids to display names. Unknown ids are omitted.
func (d *Directory) UserNames(uids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	var users []model.User
	if err := d.db.Select("id", "name").Where("id IN ?", uids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u.Name
	}
	return out, nil
}
