// Package imageproc implements pixel-level preprocessing shared by
// image processors.
package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Composite returns an image with the alpha channel removed by drawing
// over a white background.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns the image scaled to newSize.
func Resize(img image.Image, newSize image.Point, kernel draw.Interpolator) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Crop returns the sub-image of img bounded by rect.
func Crop(img image.Image, rect image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// Normalize returns the image's pixel values rescaled to [0, 1] and
// normalized around mean/std, channel first (all r values, then g,
// then b).
func Normalize(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()

	var rVals, gVals, bVals []float32
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			rVals = append(rVals, (float32(r>>8)/255.0-mean[0])/std[0])
			gVals = append(gVals, (float32(g>>8)/255.0-mean[1])/std[1])
			bVals = append(bVals, (float32(b>>8)/255.0-mean[2])/std[2])
		}
	}

	out := make([]float32, 0, 3*len(rVals))
	out = append(out, rVals...)
	out = append(out, gVals...)
	out = append(out, bVals...)
	return out
}
