package trail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIndexCodecIsDeterministic(t *testing.T) {
	t.Parallel()

	taken := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	idx := LocationIndex{
		"b.jpg": {Latitude: 1, Longitude: 2, TakenAt: &taken},
		"a.jpg": nil,
	}
	first, err := EncodeIndex(idx)
	require.NoError(t, err)
	second, err := EncodeIndex(idx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, `{"a.jpg":null,"b.jpg":{"lat":1,"lon":2,"taken_at":"2024-05-01T12:00:00Z"}}`, string(first))

	decoded, err := DecodeIndex(first)
	require.NoError(t, err)
	require.Contains(t, decoded, "a.jpg")
	require.Nil(t, decoded["a.jpg"])
	require.InDelta(t, 2.0, decoded["b.jpg"].Longitude, 1e-9)
}

func TestDecodeDatasetRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeDataset([]byte("{not json"))
	require.ErrorIs(t, err, ErrData)
}
