package preprocess

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func assertPlanes(t *testing.T, buf []float32, plane int, want [Channels]float32) {
	t.Helper()
	for c := 0; c < Channels; c++ {
		for i := 0; i < plane; i++ {
			if !assert.InDelta(t, want[c], buf[c*plane+i], 1e-3, "channel %d pixel %d", c, i) {
				return
			}
		}
	}
}

func TestProcess_Planar(t *testing.T) {
	red := color.NRGBA{R: 255, G: 0, B: 0, A: 255}
	for _, workers := range []int{1, 3} {
		p := New(4, 4, MobileNetSSD)
		p.numWorkers = workers

		buf := p.Process(uniform(4, 4, red))
		require.Len(t, buf, 4*4*3)
		assertPlanes(t, buf, 16, [Channels]float32{1, -1, -1})
	}
}

func TestProcess_GenericImageAndResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(10, 10, 18, 18))
	for y := 10; y < 18; y++ {
		for x := 10; x < 18; x++ {
			img.Set(x, y, color.RGBA{R: 0, G: 255, B: 0, A: 255})
		}
	}

	p := New(4, 4, ImageNet)
	buf := p.Process(img)
	assertPlanes(t, buf, 16, [Channels]float32{-123.68, 255 - 116.78, -103.94})

	// A sub-image keeps its own origin.
	sub := uniform(8, 8, color.NRGBA{R: 255, G: 255, B: 255, A: 255}).SubImage(image.Rect(4, 4, 8, 8))
	buf = New(4, 4, MobileNetSSD).Process(sub)
	assertPlanes(t, buf, 16, [Channels]float32{1, 1, 1})
}

func TestProcessBatch_PadsWithZeros(t *testing.T) {
	p := New(2, 2, MobileNetSSD)
	white := uniform(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	black := uniform(2, 2, color.NRGBA{A: 255})

	buf, err := p.ProcessBatch(context.Background(), []image.Image{white, black}, 3)
	require.NoError(t, err)
	require.Len(t, buf, 3*p.Size())

	assertPlanes(t, buf[:p.Size()], 4, [Channels]float32{1, 1, 1})
	assertPlanes(t, buf[p.Size():2*p.Size()], 4, [Channels]float32{-1, -1, -1})
	assertPlanes(t, buf[2*p.Size():], 4, [Channels]float32{0, 0, 0})

	_, err = p.ProcessBatch(context.Background(), []image.Image{white, black}, 1)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ProcessBatch(ctx, []image.Image{white}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, uniform(3, 2, color.NRGBA{R: 9, A: 255})))

	img, err := DecodeBase64(base64.StdEncoding.EncodeToString(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	_, err = Decode([]byte("not an image"))
	assert.Error(t, err)
	_, err = DecodeBase64("%%%")
	assert.Error(t, err)
}

func TestHostFeatures(t *testing.T) {
	for _, f := range HostFeatures() {
		assert.NotEmpty(t, f)
	}
}
