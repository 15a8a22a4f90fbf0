package motion

import (
	"testing"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int, v byte, ts float64) *models.Frame {
	px := make([]byte, w*h*4)
	for i := 0; i < len(px); i += 4 {
		px[i], px[i+1], px[i+2], px[i+3] = v, v, v, 255
	}
	return &models.Frame{Pixels: px, Width: w, Height: h, Timestamp: ts}
}

// paintBlock fills grid cell (col, row) of a 16x12 grid with value v.
func paintBlock(f *models.Frame, col, row int, v byte) {
	bw, bh := f.Width/16, f.Height/12
	for y := row * bh; y < (row+1)*bh; y++ {
		for x := col * bw; x < (col+1)*bw; x++ {
			i := (y*f.Width + x) * 4
			f.Pixels[i], f.Pixels[i+1], f.Pixels[i+2] = v, v, v
		}
	}
}

func TestDetect_IdenticalFramesProduceNothing(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prev := solidFrame(160, 120, 40, 0)
	cur := solidFrame(160, 120, 40, 0.1)

	result := d.Detect(cur, prev)

	assert.Equal(t, 0, result.Len())
	assert.True(t, result.Valid())
}

func TestDetect_ZeroConfigUsesDefaults(t *testing.T) {
	d := NewDetector(Config{})
	prev := solidFrame(160, 120, 40, 0)

	still := d.Detect(solidFrame(160, 120, 40, 0.1), prev)
	assert.Equal(t, 0, still.Len())

	cur := solidFrame(160, 120, 40, 0.1)
	paintBlock(cur, 3, 3, 200)
	paintBlock(cur, 4, 3, 200)
	moved := d.Detect(cur, prev)
	assert.Equal(t, 1, moved.Len())
	assert.Equal(t, DefaultConfig(), d.cfg)
}

func TestDetect_NoPreviousFrame(t *testing.T) {
	d := NewDetector(DefaultConfig())

	result := d.Detect(solidFrame(160, 120, 40, 0), nil)

	assert.Equal(t, 0, result.Len())
}

func TestDetect_DimensionMismatch(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prev := solidFrame(160, 120, 0, 0)
	cur := solidFrame(320, 240, 200, 0.1)

	result := d.Detect(cur, prev)

	assert.Equal(t, 0, result.Len())
}

func TestDetect_ChangedBlockBecomesMarker(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prev := solidFrame(160, 120, 0, 0)
	cur := solidFrame(160, 120, 0, 0.1)
	paintBlock(cur, 8, 6, 128)

	result := d.Detect(cur, prev)

	require.Equal(t, 1, result.Len())
	assert.True(t, result.Valid())
	assert.Equal(t, Label, result.Labels[0])
	assert.InDelta(t, 1.0, result.Confidences[0], 1e-9) // 128/64 capped

	cx, cy := result.Boxes[0].Center()
	assert.InDelta(t, 85, cx, 1e-9)
	assert.InDelta(t, 65, cy, 1e-9)
	assert.Equal(t, 24.0, result.Boxes[0].Width)
}

func TestDetect_ConfidenceIsNormalizedScore(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prev := solidFrame(160, 120, 0, 0)
	cur := solidFrame(160, 120, 0, 0.1)
	paintBlock(cur, 2, 2, 32)

	result := d.Detect(cur, prev)

	require.Equal(t, 1, result.Len())
	assert.InDelta(t, 0.5, result.Confidences[0], 1e-9)
}

func TestDetect_BelowThresholdIgnored(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prev := solidFrame(160, 120, 100, 0)
	cur := solidFrame(160, 120, 110, 0.1)

	result := d.Detect(cur, prev)

	assert.Equal(t, 0, result.Len())
}

func TestDetect_AdjacentBlocksSuppressed(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prev := solidFrame(160, 120, 0, 0)
	cur := solidFrame(160, 120, 0, 0.1)
	paintBlock(cur, 3, 3, 100)
	paintBlock(cur, 4, 3, 50)
	paintBlock(cur, 12, 9, 80)

	result := d.Detect(cur, prev)

	require.Equal(t, 2, result.Len())
	cx, _ := result.Boxes[0].Center()
	assert.InDelta(t, 35, cx, 1e-9)
	cx, _ = result.Boxes[1].Center()
	assert.InDelta(t, 125, cx, 1e-9)
}

func TestDetect_MaxPointsCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPoints = 3
	d := NewDetector(cfg)

	prev := solidFrame(160, 120, 0, 0)
	cur := solidFrame(160, 120, 200, 0.1)

	result := d.Detect(cur, prev)

	assert.Equal(t, 3, result.Len())
}

func TestSuppress_HigherScoreWins(t *testing.T) {
	points := []Point{
		{X: 10, Y: 10, Score: 30},
		{X: 14, Y: 10, Score: 90},
	}

	kept := Suppress(points, 10, 20)

	require.Len(t, kept, 1)
	assert.Equal(t, 90.0, kept[0].Score)
}

func TestSuppress_DistantPointsBothKept(t *testing.T) {
	points := []Point{
		{X: 0, Y: 0, Score: 30},
		{X: 100, Y: 0, Score: 90},
	}

	kept := Suppress(points, 10, 20)

	require.Len(t, kept, 2)
	assert.Equal(t, 90.0, kept[0].Score)
	assert.Equal(t, 30.0, kept[1].Score)
}
