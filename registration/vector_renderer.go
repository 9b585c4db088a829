package registration

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders a scene as vector graphics. Canvas units are
// millimeters, so one scene meter spans 1000 units.
type VectorRenderer struct {
	Scene       LandmarkScene
	Margin      float64           // meters added around the scene bound
	Resolution  canvas.Resolution // Resolution for PNG output
	GridSpacing float64           // grid line spacing in meters; 0 disables
	MarkerSize  float64           // marker radius in millimeters
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(scene LandmarkScene) *VectorRenderer {
	return &VectorRenderer{
		Scene:       scene,
		Margin:      0.01,
		Resolution:  canvas.DPI(300),
		GridSpacing: 0.01, // 1cm grid
		MarkerSize:  1.5,
	}
}

// gridColor is light grey
var gridColor = color.RGBA{R: 211, G: 211, B: 211, A: 255}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// size returns the viewport and canvas dimensions in millimeters
func (r *VectorRenderer) size() (orb.Bound, float64, float64) {
	view := r.Scene.Viewport(r.Margin, 0.02)
	width := (view.Right() - view.Left()) * 1000
	height := (view.Top() - view.Bottom()) * 1000
	return view, width, height
}

// RenderToSVG writes the scene as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	view, width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, view, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the scene as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	view, width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, view, width, height)
	return png.Encode(w, rast)
}

// renderToCanvas draws the scene (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, view orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p Vec3) (float64, float64) {
		return (p.X - view.Left()) * 1000, (p.Y - view.Bottom()) * 1000
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: gridColor}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		for x := math.Ceil(view.Left()/r.GridSpacing) * r.GridSpacing; x <= view.Right(); x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(Vec3{X: x, Y: view.Bottom()})
			x2, y2 := toCanvas(Vec3{X: x, Y: view.Top()})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(view.Bottom()/r.GridSpacing) * r.GridSpacing; y <= view.Top(); y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(Vec3{X: view.Left(), Y: y})
			x2, y2 := toCanvas(Vec3{X: view.Right(), Y: y})
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Residual vectors
	residualStyle := canvas.DefaultStyle
	residualStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	residualStyle.Stroke = canvas.Paint{Color: residualColor}
	residualStyle.StrokeWidth = 0.4

	n := len(r.Scene.Model)
	if len(r.Scene.Digitized) < n {
		n = len(r.Scene.Digitized)
	}
	for i := 0; i < n; i++ {
		p := &canvas.Path{}
		x0, y0 := toCanvas(r.Scene.Model[i])
		x1, y1 := toCanvas(r.Scene.Digitized[i])
		p.MoveTo(x0, y0)
		p.LineTo(x1, y1)
		renderer.RenderPath(p, residualStyle, canvas.Identity)
	}

	// Model landmarks as squares, digitized points as circles
	modelStyle := canvas.DefaultStyle
	modelStyle.Fill = canvas.Paint{Color: modelColor}
	modelStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	side := 2 * r.MarkerSize
	for _, p := range r.Scene.Model {
		cx, cy := toCanvas(p)
		sq := canvas.Rectangle(side, side).Translate(cx-side/2, cy-side/2)
		renderer.RenderPath(sq, modelStyle, canvas.Identity)
	}

	pointStyle := canvas.DefaultStyle
	pointStyle.Fill = canvas.Paint{Color: digitizedColor}
	pointStyle.Stroke = canvas.Paint{Color: canvas.Black}
	pointStyle.StrokeWidth = 0.2
	for _, p := range r.Scene.Digitized {
		cx, cy := toCanvas(p)
		renderer.RenderPath(canvas.Circle(r.MarkerSize*0.75).Translate(cx, cy), pointStyle, canvas.Identity)
	}

	// Tools, sorted by ID for deterministic output
	ids := make([]string, 0, len(r.Scene.Tools))
	for id, t := range r.Scene.Tools {
		if t.Valid {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := r.Scene.Tools[id]
		cx, cy := toCanvas(t.Position)
		c := parseHexColor(t.Color)

		toolStyle := canvas.DefaultStyle
		toolStyle.Fill = canvas.Paint{Color: c}
		toolStyle.Stroke = canvas.Paint{Color: canvas.Black}
		toolStyle.StrokeWidth = 0.2
		renderer.RenderPath(canvas.Circle(r.MarkerSize).Translate(cx, cy), toolStyle, canvas.Identity)

		// Heading: the tool's +Z axis projected on the plan
		axis := TransformDirection(t.Matrix, Vec3{Z: 1})
		if l := math.Hypot(axis.X, axis.Y); l > 1e-9 {
			dirStyle := canvas.DefaultStyle
			dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			dirStyle.Stroke = canvas.Paint{Color: c}
			dirStyle.StrokeWidth = 0.4

			dirLen := 4 * r.MarkerSize
			dirPath := &canvas.Path{}
			dirPath.MoveTo(cx, cy)
			dirPath.LineTo(cx+dirLen*axis.X/l, cy+dirLen*axis.Y/l)
			renderer.RenderPath(dirPath, dirStyle, canvas.Identity)
		}
	}
}
