package preprocess

import (
	"image"
	"sync"
)

func (p *Preprocessor) processParallel(img image.Image, buffer []float32) {
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, buffer, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

// processRows fills rows [start, end) of every channel plane.
func (p *Preprocessor) processRows(img image.Image, buffer []float32, start, end int) {
	channelSize := p.width * p.height
	n := p.norm

	if rgba, ok := img.(*image.NRGBA); ok {
		origin := rgba.Rect.Min
		for y := start; y < end; y++ {
			src := rgba.Pix[rgba.PixOffset(origin.X, origin.Y+y):]
			offset := y * p.width
			for x := 0; x < p.width; x++ {
				i := offset + x
				px := src[x*4 : x*4+3]
				buffer[i] = (float32(px[0]) - n.Mean[0]) * n.Scale[0]
				buffer[channelSize+i] = (float32(px[1]) - n.Mean[1]) * n.Scale[1]
				buffer[channelSize*2+i] = (float32(px[2]) - n.Mean[2]) * n.Scale[2]
			}
		}
		return
	}

	b := img.Bounds()
	for y := start; y < end; y++ {
		offset := y * p.width
		for x := 0; x < p.width; x++ {
			i := offset + x
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			buffer[i] = (float32(r>>8) - n.Mean[0]) * n.Scale[0]
			buffer[channelSize+i] = (float32(g>>8) - n.Mean[1]) * n.Scale[1]
			buffer[channelSize*2+i] = (float32(bl>>8) - n.Mean[2]) * n.Scale[2]
		}
	}
}
