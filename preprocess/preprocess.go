package preprocess

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"
)

const Channels = 3

var (
	useAVX2  = cpu.X86.HasAVX2
	useASIMD = cpu.ARM64.HasASIMD
)

// Normalization maps an 8-bit channel value v to (v - Mean) * Scale.
type Normalization struct {
	Mean  [Channels]float32
	Scale [Channels]float32
}

var (
	// ImageNet subtracts the per-channel ImageNet mean, as the classifiers expect.
	ImageNet = Normalization{
		Mean:  [Channels]float32{123.68, 116.78, 103.94},
		Scale: [Channels]float32{1, 1, 1},
	}
	// MobileNetSSD scales into [-1, 1].
	MobileNetSSD = Normalization{
		Mean:  [Channels]float32{127.5, 127.5, 127.5},
		Scale: [Channels]float32{1 / 127.5, 1 / 127.5, 1 / 127.5},
	}
	ResNet34SSD = Normalization{
		Mean:  [Channels]float32{0.485 * 255, 0.456 * 255, 0.406 * 255},
		Scale: [Channels]float32{1 / (0.229 * 255), 1 / (0.224 * 255), 1 / (0.225 * 255)},
	}
)

// Preprocessor turns images into planar NCHW float32 buffers of a fixed size.
type Preprocessor struct {
	width, height int
	norm          Normalization
	numWorkers    int
	bufferPool    *sync.Pool
}

func New(width, height int, norm Normalization) *Preprocessor {
	workers := 1
	if useAVX2 || useASIMD {
		workers = runtime.GOMAXPROCS(0)
	}
	size := width * height * Channels
	return &Preprocessor{
		width:      width,
		height:     height,
		norm:       norm,
		numWorkers: min(workers, height),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return &imageBuffer{pix: make([]float32, size)}
			},
		},
	}
}

type imageBuffer struct {
	pix []float32
}

// Size is the number of floats one image occupies.
func (p *Preprocessor) Size() int { return p.width * p.height * Channels }

func (p *Preprocessor) Width() int  { return p.width }
func (p *Preprocessor) Height() int { return p.height }

// Process returns a freshly allocated buffer for img.
func (p *Preprocessor) Process(img image.Image) []float32 {
	out := make([]float32, p.Size())
	p.processInto(out, img)
	return out
}

// ProcessBatch fills a buffer for batch images. Images are prepared
// concurrently; slots past len(imgs) stay zero.
func (p *Preprocessor) ProcessBatch(ctx context.Context, imgs []image.Image, batch int) ([]float32, error) {
	if len(imgs) > batch {
		return nil, fmt.Errorf("%d images for batch of %d", len(imgs), batch)
	}
	out := make([]float32, batch*p.Size())

	g, ctx := errgroup.WithContext(ctx)
	for i, img := range imgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf := p.bufferPool.Get().(*imageBuffer)
			defer p.bufferPool.Put(buf)
			p.processInto(buf.pix, img)
			copy(out[i*p.Size():], buf.pix)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Preprocessor) processInto(dst []float32, img image.Image) {
	b := img.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height {
		img = imaging.Resize(img, p.width, p.height, imaging.Linear)
	}
	if p.numWorkers > 1 {
		p.processParallel(img, dst)
		return
	}
	p.processRows(img, dst, 0, p.height)
}

// HostFeatures lists the vector extensions that decide preprocessing
// parallelism on this machine.
func HostFeatures() []string {
	var out []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"avx2", cpu.X86.HasAVX2},
		{"avx512f", cpu.X86.HasAVX512F},
		{"sse4.1", cpu.X86.HasSSE41},
		{"asimd", cpu.ARM64.HasASIMD},
	} {
		if f.ok {
			out = append(out, f.name)
		}
	}
	return out
}
