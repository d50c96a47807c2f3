package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemove(t *testing.T) {
	idx := New()
	idx.Add(7, 1)
	idx.Add(7, 2)
	idx.Add(8, 1)

	assert.ElementsMatch(t, []int64{1, 2}, idx.MembersOf(7))
	assert.ElementsMatch(t, []int64{1}, idx.MembersOf(8))
	assert.ElementsMatch(t, []int64{7, 8}, idx.Rooms(1))

	idx.Remove(7, 1)
	assert.ElementsMatch(t, []int64{2}, idx.MembersOf(7))

	idx.Remove(8, 1)
	assert.Empty(t, idx.MembersOf(8))
}

func TestRemoveAll(t *testing.T) {
	idx := New()
	idx.Add(1, 5)
	idx.Add(2, 5)
	idx.Add(2, 6)

	idx.RemoveAll(5)
	assert.Empty(t, idx.MembersOf(1))
	assert.ElementsMatch(t, []int64{6}, idx.MembersOf(2))
	assert.Empty(t, idx.Rooms(5))
}

func TestLoadReplaces(t *testing.T) {
	idx := New()
	idx.Add(3, 1)
	idx.Load(3, []int64{4, 5})
	assert.ElementsMatch(t, []int64{4, 5}, idx.MembersOf(3))

	idx.Load(3, nil)
	assert.Empty(t, idx.MembersOf(3))
}

func TestMembersOfSnapshot(t *testing.T) {
	idx := New()
	idx.Add(1, 1)
	snapshot := idx.MembersOf(1)
	idx.Add(1, 2)

	// the earlier snapshot must not observe the later mutation
	assert.ElementsMatch(t, []int64{1}, snapshot)
	assert.ElementsMatch(t, []int64{1, 2}, idx.MembersOf(1))
}

func TestMembersOfUnknownRoom(t *testing.T) {
	idx := New()
	assert.NotNil(t, idx.MembersOf(404))
	assert.Empty(t, idx.MembersOf(404))
}
