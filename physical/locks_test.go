package physical

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLocks(t *testing.T) {
	locks := CreateLocks()
	require.Len(t, locks, LockCount)
	for _, lock := range locks {
		assert.NotNil(t, lock)
	}
}

func TestLockForKey_Deterministic(t *testing.T) {
	locks := CreateLocks()

	first := LockForKey(locks, "5d41402abc4b2a76b9719d911017c592")
	second := LockForKey(locks, "5d41402abc4b2a76b9719d911017c592")
	assert.Same(t, first, second)

	assert.Equal(t, LockIndexForKey("abc"), LockIndexForKey("abc"))
}

func TestLockForKey_Distribution(t *testing.T) {
	locks := CreateLocks()

	seen := make(map[*LockEntry]struct{})
	for i := 0; i < 1024; i++ {
		seen[LockForKey(locks, fmt.Sprintf("key-%d", i))] = struct{}{}
	}

	// With 1024 keys over 256 shards nearly every shard should be hit.
	assert.Greater(t, len(seen), 200)
}

func TestBlake2b256Hash(t *testing.T) {
	sum := Blake2b256Hash("hello")
	assert.Len(t, sum, 32)
	assert.Equal(t, sum, Blake2b256Hash("hello"))
	assert.NotEqual(t, sum, Blake2b256Hash("hellp"))
}
