package ledger_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iggydv12/meshtable/internal/ledger"
)

func TestTrackAndLookup(t *testing.T) {
	l := ledger.New()

	assert.True(t, l.Track("obj1", "piece", "peer1", false))
	assert.False(t, l.Track("obj1", "piece", "peer1", false)) // unchanged

	owner, ok := l.Owner("obj1")
	assert.True(t, ok)
	assert.Equal(t, "peer1", owner)
	assert.Equal(t, []string{"obj1"}, l.ObjectsOf("peer1"))
	assert.Equal(t, 1, l.CountOwned("peer1"))

	assert.False(t, l.Track("", "piece", "peer1", false))
	assert.False(t, l.Track("obj2", "piece", "", false))
}

func TestTrackMovesOwnership(t *testing.T) {
	l := ledger.New()
	l.Track("obj1", "piece", "peer1", false)
	assert.True(t, l.Track("obj1", "piece", "peer2", false))

	assert.Empty(t, l.ObjectsOf("peer1"))
	assert.Equal(t, []string{"obj1"}, l.ObjectsOf("peer2"))
	assert.Equal(t, []string{"peer2"}, l.Peers())
}

func TestRemovePeer(t *testing.T) {
	l := ledger.New()
	l.Track("obj1", "piece", "peer1", false)
	l.Track("cursor", "peer-cursor", "peer1", true)
	l.Track("obj2", "piece", "peer2", false)

	assert.Equal(t, []string{"cursor"}, l.EphemeralOf("peer1"))
	assert.Equal(t, []string{"cursor", "obj1"}, l.RemovePeer("peer1"))

	_, ok := l.Owner("obj1")
	assert.False(t, ok)
	assert.Equal(t, []string{"peer2"}, l.Peers())
	assert.Empty(t, l.RemovePeer("peer1"))
}

func TestDropAndClear(t *testing.T) {
	l := ledger.New()
	l.Track("obj1", "piece", "peer1", false)
	l.Track("obj2", "piece", "peer1", false)

	l.Drop("obj1")
	l.Drop("missing")
	assert.Equal(t, map[string][]string{"peer1": {"obj2"}}, l.Snapshot())

	l.Clear()
	assert.Empty(t, l.Peers())
}

func TestConcurrentAccess(t *testing.T) {
	l := ledger.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := string(rune('a'+i)) + string(rune('a'+j%26))
				l.Track(id, "piece", "peer", false)
				l.ObjectsOf("peer")
				l.Drop(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, l.ObjectsOf("peer"))
}
