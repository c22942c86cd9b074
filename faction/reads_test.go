package faction

import (
	"context"
	"testing"

	"github.com/openplace/server/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileAndByTag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	require.NoError(t, f.svc.IncrementContribution(ctx, fac.ID, 40))

	p, err := f.svc.Profile(ctx, fac.ID)
	require.NoError(t, err)
	assert.Equal(t, "Painters", p.Faction.Name)
	assert.EqualValues(t, 40, p.Stats.TotalPixels)
	assert.Equal(t, 1, p.Stats.Rank)
	assert.True(t, p.Joinable)

	byTag, err := f.svc.ByTag(ctx, "pnt")
	require.NoError(t, err)
	assert.Equal(t, fac.ID, byTag.Faction.ID)

	_, err = f.svc.Profile(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ByTag(ctx, "ZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfile_InviteOnlyFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyInviteOnly)
	require.NoError(t, err)

	p, err := f.svc.Profile(ctx, fac.ID)
	require.NoError(t, err)
	assert.False(t, p.Joinable)
	assert.True(t, p.InviteRequired)
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, 1, "alice", "pw")
	b := f.seedUser(t, 2, "bob", "pw")
	c := f.seedUser(t, 3, "carol", "pw")

	f1, err := f.svc.Create(ctx, a, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	f2, err := f.svc.Create(ctx, b, "Sketchers", "SKT", model.PolicyOpen)
	require.NoError(t, err)
	hidden, err := f.svc.Create(ctx, c, "Ghosts", "GST", model.PolicyInviteOnly)
	require.NoError(t, err)

	require.NoError(t, f.svc.IncrementContribution(ctx, f1.ID, 10))
	require.NoError(t, f.svc.IncrementContribution(ctx, f2.ID, 30))
	require.NoError(t, f.svc.IncrementContribution(ctx, hidden.ID, 100))

	lb, err := f.svc.Leaderboard(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, lb.Rows, 2, "invite-only factions are hidden")
	assert.Equal(t, f2.ID, lb.Rows[0].Faction.ID)
	assert.Equal(t, f1.ID, lb.Rows[1].Faction.ID)
	assert.EqualValues(t, 30, lb.Rows[0].TotalPixels)
	// Ranks come from the full ranking, invite-only included.
	assert.Equal(t, 2, lb.Rows[0].Rank)
	assert.Equal(t, 3, lb.Rows[1].Rank)
}

func TestLeaderboard_TiesBreakOnMemberCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, 1, "alice", "pw")
	b := f.seedUser(t, 2, "bob", "pw")
	c := f.seedUser(t, 3, "carol", "pw")

	f1, err := f.svc.Create(ctx, a, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)
	f2, err := f.svc.Create(ctx, b, "Sketchers", "SKT", model.PolicyOpen)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, c, f2.ID)
	require.NoError(t, err)

	lb, err := f.svc.Leaderboard(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, lb.Rows, 2)
	assert.Equal(t, f2.ID, lb.Rows[0].Faction.ID, "equal scores fall back to member count")
	assert.Equal(t, f1.ID, lb.Rows[1].Faction.ID)
}

func TestMine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	member := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyRequest)
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, member, fac.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Approve(ctx, owner, member.UID))

	view, err := f.svc.Mine(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, view.Faction)
	assert.Equal(t, fac.ID, view.Faction.ID)
	require.Len(t, view.Members, 2)
	names := map[int64]string{}
	for _, m := range view.Members {
		names[m.UID] = m.Name
	}
	assert.Equal(t, "alice", names[owner.UID])
	assert.Equal(t, "bob", names[member.UID])

	// Owner-only sections stay empty for plain members.
	mview, err := f.svc.Mine(ctx, member)
	require.NoError(t, err)
	assert.Empty(t, mview.Requests)
	assert.Empty(t, mview.Bans)
	assert.Empty(t, mview.Excludes)
	assert.Empty(t, mview.Invite)
}

func TestMine_NoFaction(t *testing.T) {
	f := newFixture(t)
	a := f.seedUser(t, 1, "alice", "pw")
	view, err := f.svc.Mine(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, view.Faction)
}

func TestMine_HealsLostIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	// Simulate a lost reverse-index entry.
	require.NoError(t, f.ranks.ClearFaction(ctx, owner.UID))
	f.svc.rc.clear()

	view, err := f.svc.Mine(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, view.Faction)
	assert.Equal(t, fac.ID, view.Faction.ID)

	fid, err := f.ranks.FactionOf(ctx, owner.UID)
	require.NoError(t, err)
	assert.Equal(t, fac.ID, fid, "index restored from the member table")
}

func TestMine_ClearsDanglingIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	// Simulate a faction deleted out from under the index.
	_, err = f.dir.DeleteFactionCascade(fac.ID)
	require.NoError(t, err)
	f.svc.rc.clear()

	view, err := f.svc.Mine(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, view.Faction)

	fid, err := f.ranks.FactionOf(ctx, owner.UID)
	require.NoError(t, err)
	assert.Zero(t, fid, "dangling entry cleared")
}

func TestReads_CachedUntilMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seedUser(t, 1, "alice", "pw")
	joiner := f.seedUser(t, 2, "bob", "pw")

	fac, err := f.svc.Create(ctx, owner, "Painters", "PNT", model.PolicyOpen)
	require.NoError(t, err)

	before, err := f.svc.Profile(ctx, fac.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Faction.MemberCount)

	// The join invalidates every memoized read synchronously.
	_, err = f.svc.Join(ctx, joiner, fac.ID)
	require.NoError(t, err)

	after, err := f.svc.Profile(ctx, fac.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Faction.MemberCount)
}
