package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TotalMemory(t *testing.T) {
	total, err := Memory{}.TotalMemory(context.Background())
	require.NoError(t, err)
	assert.Greater(t, total, uint64(0))
}
