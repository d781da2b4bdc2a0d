package main

import (
	"fyne.io/fyne"
)

// squareGrid lays objects out in rows of cols equal squares, centered in the
// available space. cols <= 0 puts everything on one row.
type squareGrid struct {
	cols, minSize int
}

func NewSquareGridLayout(cols, minSize int) fyne.Layout {
	return squareGrid{cols: cols, minSize: minSize}
}

func (g squareGrid) dims(n int) (cols, rows int) {
	cols = g.cols
	if cols <= 0 || cols > n {
		cols = n
	}
	if cols == 0 {
		return 0, 0
	}
	return cols, (n + cols - 1) / cols
}

func (g squareGrid) MinSize(objects []fyne.CanvasObject) fyne.Size {
	cols, rows := g.dims(len(objects))
	side := g.minSize
	for _, obj := range objects {
		size := obj.MinSize()
		if size.Height > side {
			side = size.Height
		}
		if size.Width > side {
			side = size.Width
		}
	}
	return fyne.NewSize(side*cols, side*rows)
}

func (g squareGrid) Layout(objects []fyne.CanvasObject, size fyne.Size) {
	cols, rows := g.dims(len(objects))
	if cols == 0 {
		return
	}

	side := size.Width / cols
	if h := size.Height / rows; h < side {
		side = h
	}
	xOffset := (size.Width - side*cols) / 2
	yOffset := (size.Height - side*rows) / 2

	cell := fyne.NewSize(side, side)
	for i, obj := range objects {
		x := i % cols * side
		y := i / cols * side
		obj.Move(fyne.NewPos(xOffset+x, yOffset+y))
		obj.Resize(cell)
	}
}
