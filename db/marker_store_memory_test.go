package db

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMarkerStore_SetGet(t *testing.T) {
	store := NewMemoryMarkerStore()
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "!room:a", "@alice:a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "!room:a", "@alice:a", "$e1"))

	event, ok, err := store.Get(ctx, "!room:a", "@alice:a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$e1", event)
}

func TestMemoryMarkerStore_GetAllForRoom(t *testing.T) {
	store := NewMemoryMarkerStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "!room:a", "@alice:a", "$e1"))
	require.NoError(t, store.Set(ctx, "!room:a", "@bob:a", "$e2"))
	require.NoError(t, store.Set(ctx, "!room:b", "@carol:a", "$e3"))

	markers, err := store.GetAllForRoom(ctx, "!room:a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"@alice:a": "$e1",
		"@bob:a":   "$e2",
	}, markers)
}

func TestMemoryMarkerStore_Rooms(t *testing.T) {
	store := NewMemoryMarkerStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "!room:b", "@alice:a", "$e1"))
	require.NoError(t, store.Set(ctx, "!room:a", "@alice:a", "$e2"))

	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"!room:a", "!room:b"}, rooms)
}

func TestMemoryMarkerStore_ConcurrentWrites(t *testing.T) {
	store := NewMemoryMarkerStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("@user%d:a", i)
			if err := store.Set(ctx, "!room:a", user, "$e1"); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	markers, err := store.GetAllForRoom(ctx, "!room:a")
	require.NoError(t, err)
	assert.Len(t, markers, 32)
}
