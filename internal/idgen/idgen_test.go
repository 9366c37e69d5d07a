package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pi_")
	assert.True(t, strings.HasPrefix(id, "pi_"))
	assert.Len(t, id, len("pi_")+24)
	assert.NotEqual(t, id, WithPrefix("pi_"))
}
