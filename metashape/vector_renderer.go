package metashape

import (
	"image/png"
	"io"
	"math"
	"os"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"gonum.org/v1/gonum/spatial/r3"
)

// VectorRenderer renders a chunk's sparse cloud as vector graphics, top-down
// with decision coloring like PreviewRenderer but resolution independent.
// Chunk units are mapped to canvas millimeters via Scale.
type VectorRenderer struct {
	Snapshot  *ChunkSnapshot
	Decisions *DecisionSet
	Colors    DecisionColors
	Scale     float64 // Canvas mm per chunk unit
	Padding   float64 // Padding in canvas mm

	Resolution  canvas.Resolution // Resolution for PNG output (default: 300 DPI)
	GridSpacing float64           // Grid line spacing in chunk units; 0 disables
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(snap *ChunkSnapshot, decisions *DecisionSet) *VectorRenderer {
	return &VectorRenderer{
		Snapshot:    snap,
		Decisions:   decisions,
		Colors:      DefaultDecisionColors(),
		Scale:       10.0,
		Padding:     20.0,
		Resolution:  canvas.DPI(300),
		GridSpacing: 1.0,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()

	width := (maxX-minX)*r.Scale + 2*r.Padding
	height := (maxY-minY)*r.Scale + 2*r.Padding

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()

	width := (maxX-minX)*r.Scale + 2*r.Padding
	height := (maxY-minY)*r.Scale + 2*r.Padding

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)
	return png.Encode(w, rast)
}

// SaveSVG writes the preview to an SVG file
func (r *VectorRenderer) SaveSVG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return r.RenderToSVG(f)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, minX, minY, maxX, maxY, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x-minX)*r.Scale + r.Padding, (y-minY)*r.Scale + r.Padding
	}

	// Grid lines under everything else.
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.3
		gridStyle.Dashes = []float64{2.0, 2.0}

		for x := math.Floor(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(x, minY)
			x2, y2 := toCanvas(x, maxY)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(minX, y)
			x2, y2 := toCanvas(maxX, y)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Region outline as a stroked quad in the XY plane.
	if r.Snapshot.Region.Size != (r3.Vec{}) {
		regionStyle := canvas.DefaultStyle
		regionStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		regionStyle.Stroke = canvas.Paint{Color: canvas.Black}
		regionStyle.StrokeWidth = 0.5
		regionStyle.Dashes = []float64{4.0, 2.0}

		region := r.Snapshot.Region
		corners := [][2]float64{{1, 1}, {-1, 1}, {-1, -1}, {1, -1}}
		regionPath := &canvas.Path{}
		for i, sign := range corners {
			off := region.Rotation.Apply(vec3(
				sign[0]*region.Size.X/2,
				sign[1]*region.Size.Y/2,
				0,
			))
			cx, cy := toCanvas(region.Center.X+off.X, region.Center.Y+off.Y)
			if i == 0 {
				regionPath.MoveTo(cx, cy)
			} else {
				regionPath.LineTo(cx, cy)
			}
		}
		regionPath.Close()
		renderer.RenderPath(regionPath, regionStyle, canvas.Identity)
	}

	// Tie points as filled dots colored by decision.
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

		pointStyle := canvas.DefaultStyle
		pointStyle.Fill = canvas.Paint{Color: c}
		pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		cx, cy := toCanvas(pt.Position.X, pt.Position.Y)
		dot := canvas.Circle(0.8)
		dot = dot.Translate(cx, cy)
		renderer.RenderPath(dot, pointStyle, canvas.Identity)
	}

	// Aligned cameras as outlined circles.
	cameraStyle := canvas.DefaultStyle
	cameraStyle.Fill = canvas.Paint{Color: r.Colors.Camera}
	cameraStyle.Stroke = canvas.Paint{Color: canvas.Black}
	cameraStyle.StrokeWidth = 0.4

	for _, cam := range r.Snapshot.Cameras {
		if !cam.Aligned() {
			continue
		}
		center := cam.Center()
		cx, cy := toCanvas(center.X, center.Y)
		circle := canvas.Circle(2.5)
		circle = circle.Translate(cx, cy)
		renderer.RenderPath(circle, cameraStyle, canvas.Identity)
	}

	// Markers as squares.
	markerStyle := canvas.DefaultStyle
	markerStyle.Fill = canvas.Paint{Color: r.Colors.Marker}
	markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
	markerStyle.StrokeWidth = 0.4

	for _, m := range r.Snapshot.Markers {
		if !m.HasPosition {
			continue
		}
		cx, cy := toCanvas(m.Position.X, m.Position.Y)
		square := canvas.Rectangle(4.0, 4.0)
		square = square.Translate(cx-2.0, cy-2.0)
		renderer.RenderPath(square, markerStyle, canvas.Identity)
	}
}

func (r *VectorRenderer) worldBounds() (minX, minY, maxX, maxY float64) {
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

	if minX > maxX {
		minX, minY, maxX, maxY = 0, 0, 1, 1
	}

	return
}
