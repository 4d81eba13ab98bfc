package llavanext

import (
	"cmp"
	"image"
	"math"
	"slices"
	"sort"

	"golang.org/x/image/draw"

	"github.com/anyres/anyres/fs"
	"github.com/anyres/anyres/model/imageproc"
)

// ImageProcessor turns an image into fixed-resolution tiles and decides
// the tile grid an image of a given size maps to. The grid decision is
// a pure function of the original pixel size, so the forward pass can
// recompute it from image sizes alone.
type ImageProcessor struct {
	tileSize, patchSize, numChannels, maxTiles int

	// pinpoints are the supported canvas resolutions, each a multiple
	// of tileSize in both dimensions. Configured explicitly or derived
	// from maxTiles.
	pinpoints []image.Point
}

func NewImageProcessor(c fs.Config) ImageProcessor {
	p := ImageProcessor{
		tileSize:    int(c.Uint("vision.tile_size", 336)),
		patchSize:   int(c.Uint("vision.patch_size", 14)),
		numChannels: int(c.Uint("vision.num_channels", 3)),
		maxTiles:    int(c.Uint("vision.max_tiles", 4)),
	}

	if pts := c.Ints("vision.grid_pinpoints"); len(pts) > 1 {
		for i := 0; i+1 < len(pts); i += 2 {
			p.pinpoints = append(p.pinpoints, image.Point{int(pts[i]), int(pts[i+1])})
		}
	} else {
		p.pinpoints = p.supportedResolutions()
	}

	return p
}

// TileSeqLen is the number of embedding positions one tile produces
// once patchified (class tokens excluded).
func (p ImageProcessor) TileSeqLen() int {
	side := p.tileSize / p.patchSize
	return side * side
}

func factors(n int) []int {
	var result []int
	seen := make(map[int]bool)

	for i := 1; i <= n/2; i++ {
		if n%i == 0 && !seen[i] {
			result = append(result, i)
			seen[i] = true
		}
	}

	result = append(result, n)
	sort.Ints(result)

	return result
}

func (p ImageProcessor) supportedResolutions() []image.Point {
	var resolutions []image.Point

	for i := p.maxTiles; i >= 1; i-- {
		for _, f := range factors(i) {
			resolutions = append(resolutions, image.Point{f * p.tileSize, i / f * p.tileSize})
		}
	}

	return resolutions
}

// bestResolution picks the pinpoint needing the least scaling, favoring
// upscaling over downscaling and the smallest canvas on ties.
func (p ImageProcessor) bestResolution(img image.Point) image.Point {
	scales := make([]float64, len(p.pinpoints))
	for i, res := range p.pinpoints {
		scales[i] = min(float64(res.X)/float64(img.X), float64(res.Y)/float64(img.Y))
	}

	bestScale := math.MaxFloat64
	found := false
	for _, s := range scales {
		if s >= 1.0 && s < bestScale {
			bestScale = s
			found = true
		}
	}
	if !found {
		bestScale = slices.Max(scales)
	}

	var options []image.Point
	for i, s := range scales {
		if math.Abs(s-bestScale) < 1e-6 {
			options = append(options, p.pinpoints[i])
		}
	}

	return slices.MinFunc(options, func(a, b image.Point) int {
		return cmp.Compare(a.X*a.Y, b.X*b.Y)
	})
}

// Grid returns the tile grid (X=cols, Y=rows) for an image of the given
// original pixel size.
func (p ImageProcessor) Grid(size image.Point) image.Point {
	res := p.bestResolution(size)
	return image.Point{res.X / p.tileSize, res.Y / p.tileSize}
}

// ProcessImage resizes img to its best supported resolution, splits it
// into row-major tiles, and returns normalized pixel values laid out
// (tileSize, tileSize, channels, tiles) along with the original pixel
// size the grid can be recomputed from.
func (p ImageProcessor) ProcessImage(img image.Image) ([]float32, image.Point, error) {
	origSize := img.Bounds().Max.Sub(img.Bounds().Min)

	img = imageproc.Composite(img)
	res := p.bestResolution(origSize)
	img = imageproc.Resize(img, res, draw.BiLinear)

	rows, cols := res.Y/p.tileSize, res.X/p.tileSize

	pixels := make([]float32, 0, rows*cols*p.numChannels*p.tileSize*p.tileSize)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tile := imageproc.Crop(img, image.Rect(c*p.tileSize, r*p.tileSize, (c+1)*p.tileSize, (r+1)*p.tileSize))
			pixels = append(pixels, imageproc.Normalize(tile, imageproc.ClipDefaultMean, imageproc.ClipDefaultSTD)...)
		}
	}

	return pixels, origSize, nil
}
