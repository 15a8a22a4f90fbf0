package snapshot

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(w, h int) *models.Frame {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = 200, 40, 40, 255
	}
	return &models.Frame{Pixels: pix, Width: w, Height: h}
}

func TestEncode_DownsizesToMaxWidth(t *testing.T) {
	data, err := NewEncoder(100, 90).Encode(frame(400, 200))
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestEncode_KeepsSmallFrames(t *testing.T) {
	data, err := NewEncoder(0, 0).Encode(frame(64, 48))
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestEncode_InvalidFrame(t *testing.T) {
	_, err := NewEncoder(0, 0).Encode(&models.Frame{Width: 10, Height: 10, Pixels: make([]byte, 8)})

	assert.ErrorIs(t, err, ErrEncode)
	assert.ErrorIs(t, err, models.ErrInvalidFrame)
}

func TestLazy_EncodesOnce(t *testing.T) {
	f := frame(8, 8)
	l := NewEncoder(0, 0).Lazy(f)

	first, err := l.Bytes()
	require.NoError(t, err)

	f.Width = 0
	second, err := l.Bytes()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFromImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.Set(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	f := FromImage(src, 4.5)

	require.NoError(t, f.Validate())
	assert.Equal(t, 3, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Equal(t, 4.5, f.Timestamp)
	off := 1*f.Width*4 + 1*4
	assert.Equal(t, []byte{10, 20, 30, 255}, f.Pixels[off:off+4])
}
