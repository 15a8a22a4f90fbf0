package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSource(t *testing.T) {
	bucket, prefix, err := ParseSource("http://minio:9000/frames/yard/2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, "frames", bucket)
	assert.Equal(t, "yard/2024-05-01", prefix)

	for _, bad := range []string{"http://minio:9000/frames", "http://minio:9000/", "://bad"} {
		_, _, err := ParseSource(bad)
		assert.ErrorIs(t, err, ErrInvalidSource, bad)
	}
}

func TestEventsObjectRoundTrip(t *testing.T) {
	key := EventsObject("yard", 1714)
	assert.Equal(t, "yard/1714.json", key)

	sec, ok := SecondFromObject(key)
	require.True(t, ok)
	assert.Equal(t, int64(1714), sec)

	_, ok = SecondFromObject("yard/notes.txt")
	assert.False(t, ok)
	_, ok = SecondFromObject("yard/abc.json")
	assert.False(t, ok)
}
