package llavanext

import (
	"fmt"
	"image"

	"github.com/anyres/anyres/ml"
)

// ShapeMismatchError reports an image whose tile count disagrees with
// the grid its original size maps to.
type ShapeMismatchError struct {
	Image      int
	Tiles      int
	Rows, Cols int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("image %d has %d tiles, grid %dx%d needs %d", e.Image, e.Tiles, e.Rows, e.Cols, e.Rows*e.Cols)
}

// Pack lays each image's tile embeddings out in their 2D grid and
// flattens the grid to one sequence per image, appending the separator
// block after every row of tiles except the last. Images and tiles are
// processed strictly in the given order.
//
// tiles[i] has shape (hidden, tileSeqLen, numTiles); grids[i] is the
// image's tile grid (X=cols, Y=rows); separator has shape
// (hidden, separatorSlots). Returned feature lengths record how many
// embedding slots each image's packed sequence occupies; a zero-tile
// image packs to an empty sequence of length 0 with no separator.
func Pack(ctx ml.Context, tiles []ml.Tensor, grids []image.Point, separator ml.Tensor) ([]ml.Tensor, []int, error) {
	if len(tiles) != len(grids) {
		return nil, nil, fmt.Errorf("got %d tile batches for %d image sizes", len(tiles), len(grids))
	}

	hidden := separator.Dim(0)
	slots := separator.Dim(1)

	// length table first, then a single copy pass per image
	featureLens := make([]int, len(tiles))
	for i, t := range tiles {
		n := t.Dim(2)
		if n == 0 {
			continue
		}

		rows, cols := grids[i].Y, grids[i].X
		if n != rows*cols {
			return nil, nil, &ShapeMismatchError{Image: i, Tiles: n, Rows: rows, Cols: cols}
		}

		featureLens[i] = n*t.Dim(1) + (rows-1)*slots
	}

	packed := make([]ml.Tensor, len(tiles))
	for i, t := range tiles {
		if featureLens[i] == 0 {
			packed[i] = ctx.Zeros(ml.DTypeF32, hidden, 0)
			continue
		}

		rows, cols := grids[i].Y, grids[i].X
		tileSeq := t.Dim(1)

		out := ctx.Zeros(ml.DTypeF32, hidden, featureLens[i])

		var cursor int
		for r := 0; r < rows; r++ {
			// tiles are row major, so one grid row is contiguous
			row := t.View(ctx, t.Stride(2)*r*cols, hidden, tileSeq*cols)
			row.Copy(ctx, out.View(ctx, out.Stride(1)*cursor, hidden, tileSeq*cols))
			cursor += tileSeq * cols

			if r < rows-1 {
				separator.Copy(ctx, out.View(ctx, out.Stride(1)*cursor, hidden, slots))
				cursor += slots
			}
		}

		packed[i] = out
	}

	return packed, featureLens, nil
}
