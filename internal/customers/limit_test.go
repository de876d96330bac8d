package customers

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitChecker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 8; i++ {
		_, _, err := store.FindOrCreate(ctx, "ws1", "email", fmt.Sprintf("u%d@example.com", i))
		require.NoError(t, err)
	}

	t.Run("under limit", func(t *testing.T) {
		checker := NewLimitChecker(store, 10)
		assert.NoError(t, checker.Check(ctx, "ws1", 2))
	})

	t.Run("over limit", func(t *testing.T) {
		checker := NewLimitChecker(store, 10)
		err := checker.Check(ctx, "ws1", 3)
		assert.ErrorIs(t, err, ErrCapacityExceeded)
	})

	t.Run("disabled", func(t *testing.T) {
		checker := NewLimitChecker(store, 0)
		assert.NoError(t, checker.Check(ctx, "ws1", 1000000))
	})

	t.Run("nothing to add", func(t *testing.T) {
		checker := NewLimitChecker(store, 1)
		assert.NoError(t, checker.Check(ctx, "ws1", 0))
	})

	t.Run("other workspace not counted", func(t *testing.T) {
		checker := NewLimitChecker(store, 10)
		assert.NoError(t, checker.Check(ctx, "ws2", 10))
	})
}
