package metashape

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DecisionColors defines the colors for each class of point in a preview
type DecisionColors struct {
	Kept       color.RGBA
	Threshold  color.RGBA
	Percentile color.RGBA
	Bounds     color.RGBA
	Camera     color.RGBA
	Marker     color.RGBA
}

// DefaultDecisionColors returns the standard preview palette
func DefaultDecisionColors() DecisionColors {
	return DecisionColors{
		Kept:       color.RGBA{70, 130, 180, 255},  // Steel blue
		Threshold:  color.RGBA{220, 20, 60, 255},   // Crimson
		Percentile: color.RGBA{255, 140, 0, 255},   // Dark orange
		Bounds:     color.RGBA{148, 0, 211, 255},   // Violet
		Camera:     color.RGBA{0, 100, 0, 255},     // Dark green
		Marker:     color.RGBA{255, 215, 0, 255},   // Gold
	}
}

// PreviewRenderer draws a top-down view of a chunk's sparse cloud with the
// filter decisions color-coded. The X/Y plane maps to the image; height is
// dropped.
type PreviewRenderer struct {
	Snapshot  *ChunkSnapshot
	Decisions *DecisionSet
	Colors    DecisionColors
	MaxWidth  int
	MaxHeight int
	Padding   int
}

// NewPreviewRenderer creates a renderer with default settings
func NewPreviewRenderer(snap *ChunkSnapshot, decisions *DecisionSet) *PreviewRenderer {
	return &PreviewRenderer{
		Snapshot:  snap,
		Decisions: decisions,
		Colors:    DefaultDecisionColors(),
		MaxWidth:  1024,
		MaxHeight: 768,
		Padding:   30,
	}
}

// CalculateBounds computes the bounding box of all drawable content
func (r *PreviewRenderer) CalculateBounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64

	extend := func(x, y float64) {
		if x < minX {
			minX = x
		}
		if y < minY {
			minY = y
		}
		if x > maxX {
			maxX = x
		}
		if y > maxY {
			maxY = y
		}
	}

	for _, pt := range r.Snapshot.Points {
		if pt.Valid {
			extend(pt.Position.X, pt.Position.Y)
		}
	}
	for _, cam := range r.Snapshot.Cameras {
		if cam.Aligned() {
			center := cam.Center()
			extend(center.X, center.Y)
		}
	}
	for _, m := range r.Snapshot.Markers {
		if m.HasPosition {
			extend(m.Position.X, m.Position.Y)
		}
	}

	return
}

// Render creates the preview image
func (r *PreviewRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY := r.CalculateBounds()

	maxW := r.MaxWidth
	if maxW <= 0 {
		maxW = 1024
	}
	maxH := r.MaxHeight
	if maxH <= 0 {
		maxH = 768
	}

	// Fit the content into the target canvas. Degenerate extents (single
	// point, no content) fall back to a unit span.
	dx := maxX - minX
	dy := maxY - minY
	if dx <= 0 || math.IsInf(dx, -1) {
		dx = 1
		minX -= 0.5
	}
	if dy <= 0 || math.IsInf(dy, -1) {
		dy = 1
		minY -= 0.5
	}
	scale := math.Min(
		float64(maxW-2*r.Padding)/dx,
		float64(maxH-2*r.Padding)/dy,
	)
	if scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		scale = 1
	}

	width := int(dx*scale) + 2*r.Padding
	height := int(dy*scale) + 2*r.Padding

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	// Image Y grows downward; flip so +Y in chunk space points up.
	toImage := func(x, y float64) (int, int) {
		ix := int((x-minX)*scale) + r.Padding
		iy := height - (int((y-minY)*scale) + r.Padding)
		return ix, iy
	}

	// First pass: tie points colored by decision.
	for _, pt := range r.Snapshot.Points {
		if !pt.Valid {
			continue
		}
		c := r.Colors.Kept
		if r.Decisions != nil {
			if d, ok := r.Decisions.Decision(pt.ID); ok && !d.Keep {
				switch d.Rule {
				case RuleThreshold:
					c = r.Colors.Threshold
				case RulePercentile:
					c = r.Colors.Percentile
				case RuleBounds:
					c = r.Colors.Bounds
				}
			}
		}
		ix, iy := toImage(pt.Position.X, pt.Position.Y)
		if ix >= 0 && ix < width && iy >= 0 && iy < height {
			img.Set(ix, iy, c)
		}
	}

	// Second pass: aligned cameras as circles.
	for _, cam := range r.Snapshot.Cameras {
		if !cam.Aligned() {
			continue
		}
		center := cam.Center()
		ix, iy := toImage(center.X, center.Y)
		drawCircle(img, ix, iy, 4, r.Colors.Camera)
	}

	// Third pass: markers as squares.
	for _, m := range r.Snapshot.Markers {
		if !m.HasPosition {
			continue
		}
		ix, iy := toImage(m.Position.X, m.Position.Y)
		drawSquare(img, ix, iy, 8, r.Colors.Marker)
	}

	// Origin marker helps relate the preview to chunk coordinates.
	ox, oy := toImage(0, 0)
	drawTriangle(img, ox, oy, 12, color.RGBA{128, 0, 128, 255})

	r.drawLegend(img)

	return img
}

// SavePNG saves the preview image to a file
func (r *PreviewRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// drawLegend adds decision counts to the top-left corner
func (r *PreviewRenderer) drawLegend(img *image.RGBA) {
	type entry struct {
		label string
		color color.RGBA
		count int
	}

	var entries []entry
	if r.Decisions != nil {
		entries = []entry{
			{"kept", r.Colors.Kept, r.Decisions.RetainedCount()},
			{"threshold", r.Colors.Threshold, len(r.Decisions.DiscardedBy(RuleThreshold))},
			{"percentile", r.Colors.Percentile, len(r.Decisions.DiscardedBy(RulePercentile))},
			{"bounds", r.Colors.Bounds, len(r.Decisions.DiscardedBy(RuleBounds))},
		}
	} else {
		valid := 0
		for _, pt := range r.Snapshot.Points {
			if pt.Valid {
				valid++
			}
		}
		entries = []entry{{"points", r.Colors.Kept, valid}}
	}

	y := 15
	for _, e := range entries {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-6, e.color)
			}
		}
		drawText(img, 28, y+4, fmt.Sprintf("%s: %d", e.label, e.count), color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawTriangle draws a filled triangle pointing up
func drawTriangle(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		progress := float64(dy+half) / float64(size)
		width := int(progress * float64(half))
		for dx := -width; dx <= width; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
