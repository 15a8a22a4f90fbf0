package onnx

import (
	"testing"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PicksBestClassAboveThreshold(t *testing.T) {
	const classes = 3
	out := make([]float32, (4+classes)*numPredictions)
	// prediction 7: centre (320, 320), 100x200, class 2 at 0.9
	out[7] = 320
	out[numPredictions+7] = 320
	out[2*numPredictions+7] = 100
	out[3*numPredictions+7] = 200
	out[(4+0)*numPredictions+7] = 0.3
	out[(4+2)*numPredictions+7] = 0.9
	// prediction 9 stays under threshold
	out[(4+1)*numPredictions+9] = 0.1

	found := decode(out, classes, 0.25, 2, 1)

	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].class)
	assert.InDelta(t, 0.9, found[0].score, 1e-6)
	assert.InDelta(t, 540, found[0].box.X, 1e-6)
	assert.InDelta(t, 220, found[0].box.Y, 1e-6)
	assert.InDelta(t, 200, found[0].box.Width, 1e-6)
	assert.InDelta(t, 200, found[0].box.Height, 1e-6)
}

func TestNMS_SuppressesOverlapsOfSameClass(t *testing.T) {
	candidates := []candidate{
		{box: models.Box{X: 0, Y: 0, Width: 100, Height: 100}, class: 0, score: 0.6},
		{box: models.Box{X: 5, Y: 5, Width: 100, Height: 100}, class: 0, score: 0.9},
		{box: models.Box{X: 5, Y: 5, Width: 100, Height: 100}, class: 1, score: 0.8},
		{box: models.Box{X: 300, Y: 300, Width: 50, Height: 50}, class: 0, score: 0.7},
	}

	kept := nms(candidates, iouThreshold)

	require.Len(t, kept, 3)
	assert.InDelta(t, 0.9, kept[0].score, 1e-6)
	assert.Equal(t, 1, kept[1].class)
	assert.InDelta(t, 0.7, kept[2].score, 1e-6)
}

func TestIOU(t *testing.T) {
	a := models.Box{X: 0, Y: 0, Width: 10, Height: 10}

	assert.InDelta(t, 1.0, iou(a, a), 1e-9)
	assert.Equal(t, 0.0, iou(a, models.Box{X: 20, Y: 20, Width: 5, Height: 5}))
	assert.InDelta(t, 25.0/175.0, iou(a, models.Box{X: 5, Y: 5, Width: 10, Height: 10}), 1e-9)
}
