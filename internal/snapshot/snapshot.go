// Package snapshot encodes frames as JPEG for the remote vision backends.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/disintegration/imaging"
)

var ErrEncode = errors.New("encode snapshot")

const (
	DefaultMaxWidth = 640
	DefaultQuality  = 80
)

type Encoder struct {
	maxWidth int
	quality  int
}

func NewEncoder(maxWidth, quality int) *Encoder {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{maxWidth: maxWidth, quality: quality}
}

// Encode downsizes the frame to the encoder's max width, keeping the aspect
// ratio, and returns it as JPEG.
func (e *Encoder) Encode(frame *models.Frame) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	var img image.Image = Image(frame)
	if frame.Width > e.maxWidth {
		img = imaging.Resize(img, e.maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Image wraps the frame's RGBA buffer without copying.
func Image(frame *models.Frame) *image.NRGBA {
	return &image.NRGBA{
		Pix:    frame.Pixels,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
}

// FromImage converts a decoded image into a frame at timestamp ts.
func FromImage(img image.Image, ts float64) models.Frame {
	nrgba := imaging.Clone(img)
	return models.Frame{
		Pixels:    nrgba.Pix,
		Width:     nrgba.Rect.Dx(),
		Height:    nrgba.Rect.Dy(),
		Timestamp: ts,
	}
}

// Lazy encodes its frame at most once, on first use.
type Lazy struct {
	encoder *Encoder
	frame   *models.Frame
	data    []byte
	err     error
	done    bool
}

func (e *Encoder) Lazy(frame *models.Frame) *Lazy {
	return &Lazy{encoder: e, frame: frame}
}

func (l *Lazy) Bytes() ([]byte, error) {
	if !l.done {
		l.data, l.err = l.encoder.Encode(l.frame)
		l.done = true
	}
	return l.data, l.err
}
