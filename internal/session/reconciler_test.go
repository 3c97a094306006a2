package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
)

func msg(id, from, to string) models.Message {
	return models.Message{ID: id, SenderID: from, RecipientID: to, Text: id}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func newMe() *Reconciler {
	r := NewReconciler()
	r.SetSelf("me")
	return r
}

func TestPushFromOtherPeerCounts(t *testing.T) {
	r := newMe()

	assert.Equal(t, PushCounted, r.OnPush(msg("m1", "bob", "me")))
	assert.Equal(t, PushCounted, r.OnPush(msg("m2", "bob", "me")))
	assert.Equal(t, PushCounted, r.OnPush(msg("m3", "carol", "me")))

	assert.Equal(t, map[string]int{"bob": 2, "carol": 1}, r.Unseen())
	assert.Empty(t, r.View())
}

func TestPushFromOpenPeerAppendsSeen(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")
	require.True(t, r.ApplyFetch(gen, "bob", []models.Message{msg("m1", "bob", "me")}))

	outcome := r.OnPush(msg("m2", "bob", "me"))

	assert.Equal(t, PushAppended, outcome)
	assert.True(t, outcome.MarksSeen())
	view := r.View()
	assert.Equal(t, []string{"m1", "m2"}, ids(view))
	assert.True(t, view[1].Seen)
	assert.Empty(t, r.Unseen())
}

func TestOpenResetsCounterToZero(t *testing.T) {
	r := newMe()
	r.OnPush(msg("m1", "bob", "me"))
	r.OnPush(msg("m2", "bob", "me"))

	r.Open("bob")

	assert.Equal(t, 0, r.Unseen()["bob"])
	assert.NotContains(t, r.Unseen(), "bob")
}

func TestPushDuringFetchIsQueuedThenAppended(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")

	assert.Equal(t, PushQueued, r.OnPush(msg("m2", "bob", "me")))
	assert.Equal(t, PushQueued, r.OnPush(msg("m3", "bob", "me")))
	assert.Empty(t, r.View())

	// m2 was persisted before the fetch ran, so the history already has it
	require.True(t, r.ApplyFetch(gen, "bob", []models.Message{msg("m1", "bob", "me"), msg("m2", "bob", "me")}))

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(r.View()))
	assert.False(t, r.Fetching())
}

func TestDuplicatePushIgnored(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")
	r.OnPush(msg("m1", "bob", "me"))
	assert.Equal(t, PushIgnored, r.OnPush(msg("m1", "bob", "me")))
	r.ApplyFetch(gen, "bob", nil)

	assert.Equal(t, PushIgnored, r.OnPush(msg("m1", "bob", "me")))
	assert.Equal(t, []string{"m1"}, ids(r.View()))
}

func TestStaleFetchDiscarded(t *testing.T) {
	r := newMe()
	bobGen := r.Open("bob")
	carolGen := r.Open("carol")

	assert.False(t, r.ApplyFetch(bobGen, "bob", []models.Message{msg("b1", "bob", "me")}))
	assert.True(t, r.ApplyFetch(carolGen, "carol", []models.Message{msg("c1", "carol", "me")}))
	assert.Equal(t, []string{"c1"}, ids(r.View()))

	// reopening the same peer invalidates the earlier fetch too
	first := r.Open("carol")
	second := r.Open("carol")
	assert.False(t, r.ApplyFetch(first, "carol", nil))
	assert.True(t, r.ApplyFetch(second, "carol", []models.Message{msg("c2", "carol", "me")}))
	assert.Equal(t, []string{"c2"}, ids(r.View()))
}

func TestFetchAfterCloseDiscarded(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")
	r.Close()

	assert.False(t, r.ApplyFetch(gen, "bob", []models.Message{msg("b1", "bob", "me")}))
	assert.Empty(t, r.View())
	assert.Equal(t, "", r.OpenPeer())

	assert.Equal(t, PushCounted, r.OnPush(msg("b2", "bob", "me")))
}

func TestFailedFetchKeepsQueuedPushes(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")
	r.OnPush(msg("m1", "bob", "me"))

	require.True(t, r.FailFetch(gen, "bob"))
	assert.Equal(t, []string{"m1"}, ids(r.View()))
}

func TestApplySentKeepsOrder(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")
	r.ApplyFetch(gen, "bob", nil)

	r.ApplySent(msg("s1", "me", "bob"))
	r.OnPush(msg("p1", "bob", "me"))
	r.ApplySent(msg("s2", "me", "bob"))
	r.ApplySent(msg("s1", "me", "bob"))
	r.ApplySent(msg("x1", "me", "carol"))

	assert.Equal(t, []string{"s1", "p1", "s2"}, ids(r.View()))
}

func TestOwnEchoNeverCounts(t *testing.T) {
	r := newMe()
	assert.Equal(t, PushIgnored, r.OnPush(msg("s1", "me", "bob")))
	assert.Empty(t, r.Unseen())
}

func TestOnDeletedBlanksContent(t *testing.T) {
	r := newMe()
	gen := r.Open("bob")
	r.ApplyFetch(gen, "bob", []models.Message{msg("m1", "bob", "me"), msg("m2", "me", "bob")})

	require.True(t, r.OnDeleted("m1"))
	assert.False(t, r.OnDeleted("missing"))

	view := r.View()
	assert.True(t, view[0].Deleted)
	assert.Empty(t, view[0].Text)
	assert.Equal(t, []string{"m1", "m2"}, ids(view), "deleted messages keep their position")
}

func TestSeedReplacesCounters(t *testing.T) {
	r := newMe()
	r.OnPush(msg("old", "dave", "me"))

	r.BeginSeed()
	r.Seed(map[string]int{"bob": 3, "carol": 0})

	assert.Equal(t, map[string]int{"bob": 3}, r.Unseen())
}

func TestSeedKeepsPushesThatRacedIt(t *testing.T) {
	r := newMe()
	r.BeginSeed()
	r.OnPush(msg("m1", "bob", "me"))
	r.OnPush(msg("m2", "carol", "me"))

	// the store already counted bob's message but not carol's
	r.Seed(map[string]int{"bob": 1})

	assert.Equal(t, map[string]int{"bob": 1, "carol": 1}, r.Unseen())
}

func TestSeedDoesNotRestoreViewedCount(t *testing.T) {
	r := newMe()
	r.BeginSeed()
	r.OnPush(msg("m1", "bob", "me"))

	gen := r.Open("bob")
	require.True(t, r.ApplyFetch(gen, "bob", []models.Message{msg("m1", "bob", "me")}))
	r.Close()

	// the history fetch marked m1 seen, so the store reports nothing for bob
	r.Seed(map[string]int{})

	assert.Empty(t, r.Unseen())
}

func TestSeedSkipsOpenPeer(t *testing.T) {
	r := newMe()
	r.Open("bob")
	r.BeginSeed()
	r.Seed(map[string]int{"bob": 2, "carol": 1})

	assert.Equal(t, map[string]int{"carol": 1}, r.Unseen())
}

func TestResetClearsEverything(t *testing.T) {
	r := newMe()
	r.OnPush(msg("m1", "bob", "me"))
	gen := r.Open("carol")
	r.ApplyFetch(gen, "carol", []models.Message{msg("c1", "carol", "me")})

	r.Reset()

	assert.Empty(t, r.Unseen())
	assert.Empty(t, r.View())
	assert.Equal(t, "", r.OpenPeer())
}

func TestCountersNeverNegative(t *testing.T) {
	r := newMe()
	for i := 0; i < 3; i++ {
		r.Open("bob")
		r.Close()
	}
	r.Seed(map[string]int{"bob": -4})

	for peer, n := range r.Unseen() {
		assert.GreaterOrEqual(t, n, 0, peer)
	}
}
