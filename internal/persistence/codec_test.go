package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/pkg/api"
)

func TestContextCodec_KeepsMigrationHistory(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := map[string]any{
		"amount": 1200.5,
		"region": "emea",
		"nested": map[string]any{"urgent": true},
		api.MigrationsContextKey: []api.MigrationRecord{
			{FromVersion: 1, ToVersion: 2, Actor: "admin", At: at},
		},
	}

	data, err := encodeContext(in)
	require.NoError(t, err)

	out, err := decodeContext(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestContextCodec_EmptyDecodesToEmptyMap(t *testing.T) {
	data, err := encodeContext(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	out, err := decodeContext(data)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
