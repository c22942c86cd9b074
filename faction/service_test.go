package faction

import (
	"context"
	"testing"
	"time"

	"github.com/openplace/server/model"
	"github.com/openplace/server/rank"
	"github.com/openplace/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const testCooldown = 30 * time.Millisecond

type fixture struct {
	svc   *Service
	dir   *Directory
	ranks *rank.Store
	db    *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	ranks := rank.New(c, testCooldown, logger)
	rc, err := NewReadCache(ps, logger)
	require.NoError(t, err)
	t.Cleanup(rc.Close)
	dir := NewDirectory(db)
	svc := NewService(dir, ranks, rc, db, nil, Config{}, logger)
	return &fixture{svc: svc, dir: dir, ranks: ranks, db: db}
}

func (f *fixture) seedUser(t *testing.T, id int64, name, password string) Actor {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.db.Create(&model.User{
		ID:           id,
		Name:         name,
		PasswordHash: string(hash),
		Userlvl:      model.UserlvlPlayer,
	}).Error)
	return Actor{UID: id, Userlvl: model.UserlvlPlayer}
}

func (f *fixture) memberCount(t *testing.T, fid int64) int {
	t.Helper()
	got, err := f.dir.FactionByID(fid)
	require.NoError(t, err)
	n, err := f.dir.CountMembers(fid)
	require.NoError(t, err)
	require.EqualValues(t, n, got.MemberCount, "denormalized count drifted")
	return got.MemberCount
}

func (f *fixture) waitCooldown() {
	time.Sleep(testCooldown + 20*time.Millisecond)
}

func TestCreate_OwnerBecomesSoleMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	assert.Equal(t, "PNT", fac.Tag)
	assert.Equal(t, owner.UID, fac.OwnerID)
	assert.Equal(t, 1, f.memberCount(t, fac.ID))

	fid, err := f.ranks.FactionOf(ctx, owner.UID)
	require.NoError(t, err)
	assert.Equal(t, fac.ID, fid)

	m, err := f.dir.MemberOf(fac.ID, owner.UID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, m.Role)
}

func TestCreate_DuplicateNameOrTag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, 1, "alice", "pw")
	b := f.seedUser(t, 2, "bob", "pw")

	_, err := f.svc.Create(ctx, a, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, b, "Painters", "XYZ", model.PolicyOpen)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.svc.Create(ctx, b, "Other", "pnt", model.PolicyOpen)
	assert.ErrorIs(t, err, ErrConflict, "tags are case-insensitive")
}

func TestCreate_WhileInFaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, 1, "alice", "pw")

	_, err := f.svc.Create(ctx, a, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, a, "Second", "SEC", model.PolicyOpen)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreate_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, 1, "alice", "pw")

	_, err := f.svc.Create(ctx, a, "", "PNT", model.PolicyOpen)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Create(ctx, a, "Painters", "P", model.PolicyOpen)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Create(ctx, a, "Painters", "PNT", 7)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.Create(ctx, Actor{}, "Painters", "PNT", model.PolicyOpen)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJoin_OpenPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	res, err := f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, 2, f.memberCount(t, fac.ID))

	fid, err := f.ranks.FactionOf(ctx, joiner.UID)
	require.NoError(t, err)
	assert.Equal(t, fac.ID, fid)
}

func TestJoin_AlreadyInFaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	other := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	fac2, err := f.svc.Create(ctx, other, "Sketchers", "SKT", model.PolicyOpen)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, other, fac.ID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.memberCount(t, fac.ID))
	assert.Equal(t, 1, f.memberCount(t, fac2.ID))
}

func TestJoin_UnknownFaction(t *testing.T) {
	f := newFixture(t)
	a := f.seedUser(t, 1, "alice", "pw")
	_, err := f.svc.Join(context.Background(), a, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJoin_RequestPolicyThenApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyRequest)
	require.NoError(t, err)

	res, err := f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, 1, f.memberCount(t, fac.ID), "pending request is not membership")

	// Repeated requests are idempotent.
	res, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)
	assert.True(t, res.Pending)

	require.NoError(t, f.svc.Approve(ctx, owner, joiner.UID))
	assert.Equal(t, 2, f.memberCount(t, fac.ID))

	// The request is consumed; a second approve reports not found.
	err = f.svc.Approve(ctx, owner, joiner.UID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, f.memberCount(t, fac.ID))
}

func TestJoin_RequestPolicyDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyRequest)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Deny(ctx, owner, joiner.UID))
	assert.Equal(t, 1, f.memberCount(t, fac.ID))
	assert.ErrorIs(t, f.svc.Deny(ctx, owner, joiner.UID), ErrNotFound)
}

func TestJoin_InviteOnlyRejectsDirectJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyInviteOnly)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAcceptInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyInviteOnly)
	require.NoError(t, err)
	code, err := f.svc.EnsureInvite(ctx, owner)
	require.NoError(t, err)
	require.Len(t, code, 14)

	require.NoError(t, f.svc.AcceptInvite(ctx, joiner, code))
	assert.Equal(t, 2, f.memberCount(t, fac.ID))

	// A stable generic code: EnsureInvite returns the same one.
	again, err := f.svc.EnsureInvite(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, code, again)
}

func TestAcceptInvite_UnknownCode(t *testing.T) {
	f := newFixture(t)
	a := f.seedUser(t, 1, "alice", "pw")
	err := f.svc.AcceptInvite(context.Background(), a, "nope-nope-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptInvite_VoidAfterPolicyChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	_, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyInviteOnly)
	require.NoError(t, err)
	code, err := f.svc.EnsureInvite(ctx, owner)
	require.NoError(t, err)

	open := model.PolicyOpen
	require.NoError(t, f.svc.Update(ctx, owner, UpdateParams{JoinPolicy: &open}))

	err = f.svc.AcceptInvite(ctx, joiner, code)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Leave(ctx, joiner))
	assert.Equal(t, 1, f.memberCount(t, fac.ID))
	fid, err := f.ranks.FactionOf(ctx, joiner.UID)
	require.NoError(t, err)
	assert.Zero(t, fid)
}

func TestLeave_NotInFactionIsNoop(t *testing.T) {
	f := newFixture(t)
	a := f.seedUser(t, 1, "alice", "pw")
	assert.NoError(t, f.svc.Leave(context.Background(), a))
}

func TestLeave_OwnerForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Leave(ctx, owner), ErrForbidden)
	assert.Equal(t, 1, f.memberCount(t, fac.ID))
}

func TestLeave_CooldownBlocksRejoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, joiner))

	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.ErrorIs(t, err, ErrRateLimited)

	f.waitCooldown()
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.NoError(t, err)
}

func TestKick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Kick(ctx, owner, joiner.UID))
	assert.Equal(t, 1, f.memberCount(t, fac.ID))

	// The kicked user is under cooldown but not banned.
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.ErrorIs(t, err, ErrRateLimited)
	f.waitCooldown()
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.NoError(t, err)
}

func TestKick_GuardsAndNonMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	stranger := f.seedUser(t, 2, "bob", "pw")

	_, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Kick(ctx, owner, owner.UID), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.Kick(ctx, owner, stranger.UID), ErrNotFound)
	assert.ErrorIs(t, f.svc.Kick(ctx, stranger, owner.UID), ErrForbidden)
}

func TestBanAndUnban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Ban(ctx, owner, joiner.UID))
	assert.Equal(t, 1, f.memberCount(t, fac.ID))

	f.waitCooldown()
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.svc.Unban(ctx, owner, joiner.UID))
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.Unban(ctx, owner, joiner.UID), ErrNotFound)
}

func TestBan_NonMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	stranger := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	require.NoError(t, f.svc.Ban(ctx, owner, stranger.UID))
	_, err = f.svc.Join(ctx, stranger, fac.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCountryExclude(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")
	joiner.Country = "de"

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	require.NoError(t, f.svc.Exclude(ctx, owner, "DE"))
	assert.ErrorIs(t, f.svc.Exclude(ctx, owner, "DE"), ErrConflict)
	assert.ErrorIs(t, f.svc.Exclude(ctx, owner, "DEU"), ErrInvalidInput)

	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, f.svc.Include(ctx, owner, "de"))
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	assert.NoError(t, err)

	// Members with an unknown country are never excluded.
	noCountry := f.seedUser(t, 3, "carol", "pw")
	require.NoError(t, f.svc.Exclude(ctx, owner, "FR"))
	_, err = f.svc.Join(ctx, noCountry, fac.ID)
	assert.NoError(t, err)
}

func TestUpdate_TagFansOutToIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)

	tag := "nbt"
	require.NoError(t, f.svc.Update(ctx, owner, UpdateParams{Tag: &tag}))

	tags, err := f.svc.TagsFor(ctx, []int64{owner.UID, joiner.UID})
	require.NoError(t, err)
	assert.Equal(t, "NBT", tags[owner.UID])
	assert.Equal(t, "NBT", tags[joiner.UID])
}

func TestUpdate_PolicySwitchProvisionsInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	_, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	inviteOnly := model.PolicyInviteOnly
	require.NoError(t, f.svc.Update(ctx, owner, UpdateParams{JoinPolicy: &inviteOnly}))

	code, err := f.svc.EnsureInvite(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, code, 14)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "secret")
	member := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, member, fac.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Transfer(ctx, owner, member.UID, "wrong"), ErrReauthFailed)
	assert.ErrorIs(t, f.svc.Transfer(ctx, owner, 999, "secret"), ErrNotFound)

	require.NoError(t, f.svc.Transfer(ctx, owner, member.UID, "secret"))
	got, err := f.dir.FactionByID(fac.ID)
	require.NoError(t, err)
	assert.Equal(t, member.UID, got.OwnerID)

	// Roles swapped: the old owner is a plain member and may now leave.
	m, err := f.dir.MemberOf(fac.ID, owner.UID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, m.Role)
	assert.NoError(t, f.svc.Leave(ctx, owner))
	assert.ErrorIs(t, f.svc.Leave(ctx, member), ErrForbidden)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "secret")
	member := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, member, fac.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, owner, "wrong"), ErrReauthFailed)
	require.NoError(t, f.svc.Delete(ctx, owner, "secret"))

	_, err = f.dir.FactionByID(fac.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, uid := range []int64{owner.UID, member.UID} {
		fid, err := f.ranks.FactionOf(ctx, uid)
		require.NoError(t, err)
		assert.Zero(t, fid)
	}
	e, err := f.ranks.ScoreAndRank(ctx, fac.ID)
	require.NoError(t, err)
	assert.Zero(t, e.Rank)
}

func TestAdminDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	admin := Actor{UID: 99, Userlvl: model.UserlvlAdmin}

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.AdminDelete(ctx, owner, fac.ID), ErrForbidden)
	require.NoError(t, f.svc.AdminDelete(ctx, admin, fac.ID))
	_, err = f.dir.FactionByID(fac.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, 1, "alice", "pw")
	b := f.seedUser(t, 2, "bob", "pw")
	admin := Actor{UID: 99, Userlvl: model.UserlvlAdmin}

	_, err := f.svc.Create(ctx, a, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, b, "Sketchers", "SKT", model.PolicyInviteOnly)
	require.NoError(t, err)

	_, err = f.svc.AdminList(a, "", 1, 10)
	assert.ErrorIs(t, err, ErrForbidden)

	all, err := f.svc.AdminList(admin, "", 1, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2, "admin listing includes invite-only factions")

	hits, err := f.svc.AdminList(admin, "sket", 1, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Sketchers", hits[0].Name)
}
