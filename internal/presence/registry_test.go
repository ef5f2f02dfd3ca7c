package presence

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct{ id int }

// =============================================================================
// Single-device semantics
// =============================================================================

func TestRegistry_SingleDevice_LastRegisterWins(t *testing.T) {
	r := NewRegistry[*handle](SingleDevice)
	h1, h2 := &handle{1}, &handle{2}

	r.Register("u", h1)
	superseded := r.Register("u", h2)

	assert.Equal(t, []*handle{h2}, r.Lookup("u"))
	assert.Equal(t, []*handle{h1}, superseded)
}

func TestRegistry_SingleDevice_SupersededUnregisterIsNoop(t *testing.T) {
	r := NewRegistry[*handle](SingleDevice)
	h1, h2 := &handle{1}, &handle{2}

	r.Register("u", h1)
	r.Register("u", h2)

	userID, removed := r.Unregister(h1)
	assert.False(t, removed)
	assert.Empty(t, userID)
	assert.Equal(t, []*handle{h2}, r.Lookup("u"))
	assert.True(t, r.IsOnline("u"))
}

func TestRegistry_SingleDevice_ReRegisterSameHandle(t *testing.T) {
	r := NewRegistry[*handle](SingleDevice)
	h := &handle{1}

	r.Register("u", h)
	superseded := r.Register("u", h)

	assert.Empty(t, superseded)
	assert.Equal(t, []*handle{h}, r.Lookup("u"))
}

// =============================================================================
// Multi-device semantics
// =============================================================================

func TestRegistry_MultiDevice_KeepsAllHandles(t *testing.T) {
	r := NewRegistry[*handle](MultiDevice)
	h1, h2 := &handle{1}, &handle{2}

	r.Register("u", h1)
	superseded := r.Register("u", h2)
	assert.Empty(t, superseded)

	assert.ElementsMatch(t, []*handle{h1, h2}, r.Lookup("u"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 2, r.HandleCount())
}

func TestRegistry_MultiDevice_UnregisterRemovesOnlyThatHandle(t *testing.T) {
	r := NewRegistry[*handle](MultiDevice)
	h1, h2 := &handle{1}, &handle{2}

	r.Register("u", h1)
	r.Register("u", h2)

	userID, removed := r.Unregister(h1)
	require.True(t, removed)
	assert.Equal(t, "u", userID)
	assert.Equal(t, []*handle{h2}, r.Lookup("u"))

	r.Unregister(h2)
	assert.Nil(t, r.Lookup("u"))
	assert.False(t, r.IsOnline("u"))
}

// =============================================================================
// Shared behavior
// =============================================================================

func TestRegistry_RegisterThenUnregister(t *testing.T) {
	for _, mode := range []Mode{SingleDevice, MultiDevice} {
		t.Run(fmt.Sprintf("mode=%d", mode), func(t *testing.T) {
			r := NewRegistry[*handle](mode)
			h := &handle{1}

			r.Register("u", h)
			userID, removed := r.Unregister(h)

			assert.True(t, removed)
			assert.Equal(t, "u", userID)
			assert.Nil(t, r.Lookup("u"))
			assert.Empty(t, r.Snapshot())
		})
	}
}

func TestRegistry_UnregisterUnknownHandle(t *testing.T) {
	r := NewRegistry[*handle](MultiDevice)
	assert.NotPanics(t, func() {
		_, removed := r.Unregister(&handle{42})
		assert.False(t, removed)
	})
}

func TestRegistry_RegisterMovesHandleBetweenUsers(t *testing.T) {
	r := NewRegistry[*handle](MultiDevice)
	h := &handle{1}

	r.Register("alice", h)
	r.Register("bob", h)

	assert.Nil(t, r.Lookup("alice"))
	assert.Equal(t, []*handle{h}, r.Lookup("bob"))
	assert.Equal(t, []string{"bob"}, r.Snapshot())

	owner, ok := r.UserOf(h)
	assert.True(t, ok)
	assert.Equal(t, "bob", owner)
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry[*handle](MultiDevice)
	r.Register("carol", &handle{1})
	r.Register("alice", &handle{2})
	r.Register("bob", &handle{3})

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Snapshot())
}

// Snapshot must always equal the set of users that have a live handle, for
// any interleaving of register/unregister calls.
func TestRegistry_SnapshotMatchesModel(t *testing.T) {
	for _, mode := range []Mode{SingleDevice, MultiDevice} {
		t.Run(fmt.Sprintf("mode=%d", mode), func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			r := NewRegistry[int](mode)

			// model: handle -> user, mirroring the registry's rules
			model := map[int]string{}
			users := []string{"a", "b", "c", "d"}

			for i := 0; i < 2000; i++ {
				h := rng.Intn(12)
				if rng.Intn(3) == 0 {
					r.Unregister(h)
					delete(model, h)
					continue
				}
				u := users[rng.Intn(len(users))]
				r.Register(u, h)
				if mode == SingleDevice {
					for other, owner := range model {
						if owner == u && other != h {
							delete(model, other)
						}
					}
				}
				model[h] = u
			}

			want := map[string]struct{}{}
			for _, u := range model {
				want[u] = struct{}{}
			}
			expected := make([]string, 0, len(want))
			for u := range want {
				expected = append(expected, u)
			}
			sort.Strings(expected)

			assert.Equal(t, expected, r.Snapshot())
			assert.Equal(t, len(model), r.HandleCount())
		})
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry[int](MultiDevice)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h := g*1000 + i
				r.Register(fmt.Sprintf("user-%d", g), h)
				_ = r.Snapshot()
				_ = r.Lookup(fmt.Sprintf("user-%d", (g+1)%8))
				r.Unregister(h)
			}
		}(g)
	}
	wg.Wait()

	assert.Empty(t, r.Snapshot())
	assert.Zero(t, r.HandleCount())
}
