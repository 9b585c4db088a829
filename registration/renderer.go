package registration

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Plan-view colors shared by the raster and vector renderers
var (
	modelColor     = color.RGBA{0, 0, 139, 255}     // Dark blue
	digitizedColor = color.RGBA{220, 20, 60, 255}   // Crimson
	residualColor  = color.RGBA{255, 140, 0, 255}   // Dark orange
	backgroundGrey = color.RGBA{240, 240, 240, 255} // Light grey
	textColor      = color.RGBA{0, 0, 0, 255}
)

// LandmarkScene is the content of a plan-view (X/Y) registration plot
type LandmarkScene struct {
	Title string
	// Model holds the model landmarks mapped into the reference frame.
	Model []Vec3
	// Digitized holds the recorded points, index-matched with Model.
	Digitized []Vec3
	Tools     map[string]*ToolPose
	Quality   Quality
	FRE       float64
}

// SceneFromAlignment builds a scene from an alignment snapshot.
// The model landmarks are transformed by the alignment so residuals are visible.
func SceneFromAlignment(snap AlignmentSnapshot, tools map[string]*ToolPose) LandmarkScene {
	return LandmarkScene{
		Title:     snap.Model,
		Model:     TransformPoints(snap.Alignment.Transform, snap.Source),
		Digitized: append([]Vec3(nil), snap.Target...),
		Tools:     tools,
		Quality:   snap.Alignment.Quality,
		FRE:       snap.Alignment.FRE,
	}
}

// Bound returns the plan-view bounding box of every point in the scene
func (s LandmarkScene) Bound() orb.Bound {
	var mp orb.MultiPoint
	for _, p := range s.Model {
		mp = append(mp, orb.Point{p.X, p.Y})
	}
	for _, p := range s.Digitized {
		mp = append(mp, orb.Point{p.X, p.Y})
	}
	for _, t := range s.Tools {
		if t.Valid {
			mp = append(mp, orb.Point{t.Position.X, t.Position.Y})
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}
	}
	return mp.Bound()
}

// IsEmpty reports whether the scene has nothing to draw
func (s LandmarkScene) IsEmpty() bool {
	if len(s.Model) > 0 || len(s.Digitized) > 0 {
		return false
	}
	for _, t := range s.Tools {
		if t.Valid {
			return false
		}
	}
	return true
}

// Viewport returns the scene bound padded by margin (meters) on every side.
// Degenerate bounds are widened to at least minSpan so single points render.
func (s LandmarkScene) Viewport(margin, minSpan float64) orb.Bound {
	b := s.Bound()
	if w := b.Right() - b.Left(); w < minSpan {
		c := b.Center()
		b.Min[0], b.Max[0] = c[0]-minSpan/2, c[0]+minSpan/2
	}
	if h := b.Top() - b.Bottom(); h < minSpan {
		c := b.Center()
		b.Min[1], b.Max[1] = c[1]-minSpan/2, c[1]+minSpan/2
	}
	return b.Pad(margin)
}

// LandmarkRenderer draws a scene as a raster image
type LandmarkRenderer struct {
	Scene   LandmarkScene
	Scale   float64 // pixels per meter
	Padding int     // pixels around the viewport
	Margin  float64 // meters added around the scene bound
	MaxSize int     // largest width or height in pixels
}

// NewLandmarkRenderer creates a renderer with default settings
func NewLandmarkRenderer(scene LandmarkScene) *LandmarkRenderer {
	return &LandmarkRenderer{
		Scene:   scene,
		Scale:   2000, // 0.5mm per pixel
		Padding: 30,
		Margin:  0.01,
		MaxSize: 4000,
	}
}

// Render creates the plan-view image. +Y points up in the image.
func (r *LandmarkRenderer) Render() *image.RGBA {
	view := r.Scene.Viewport(r.Margin, 0.02)
	scale := r.Scale

	width := int((view.Right()-view.Left())*scale) + 2*r.Padding
	height := int((view.Top()-view.Bottom())*scale) + 2*r.Padding

	// Limit size
	if r.MaxSize > 0 && width > r.MaxSize {
		scale *= float64(r.MaxSize) / float64(width)
		width = r.MaxSize
		height = int((view.Top()-view.Bottom())*scale) + 2*r.Padding
	}
	if r.MaxSize > 0 && height > r.MaxSize {
		scale *= float64(r.MaxSize) / float64(height)
		height = r.MaxSize
		width = int((view.Right()-view.Left())*scale) + 2*r.Padding
	}
	if width <= 0 {
		width = 2*r.Padding + 1
	}
	if height <= 0 {
		height = 2*r.Padding + 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, backgroundGrey)
		}
	}

	toImage := func(p Vec3) (int, int) {
		x := int((p.X-view.Left())*scale) + r.Padding
		y := height - 1 - (int((p.Y-view.Bottom())*scale) + r.Padding)
		return x, y
	}

	// Residual vectors first so the markers sit on top
	n := len(r.Scene.Model)
	if len(r.Scene.Digitized) < n {
		n = len(r.Scene.Digitized)
	}
	for i := 0; i < n; i++ {
		x0, y0 := toImage(r.Scene.Model[i])
		x1, y1 := toImage(r.Scene.Digitized[i])
		drawLine(img, x0, y0, x1, y1, residualColor)
	}

	for i, p := range r.Scene.Model {
		ix, iy := toImage(p)
		drawSquare(img, ix, iy, 8, modelColor)
		drawText(img, ix+6, iy-6, fmt.Sprintf("%d", i+1), modelColor)
	}
	for _, p := range r.Scene.Digitized {
		ix, iy := toImage(p)
		drawCircle(img, ix, iy, 4, digitizedColor)
	}

	ids := make([]string, 0, len(r.Scene.Tools))
	for id, t := range r.Scene.Tools {
		if t.Valid {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := r.Scene.Tools[id]
		ix, iy := toImage(t.Position)
		c := parseHexColor(t.Color)
		drawTriangle(img, ix, iy, 10, c)
		drawText(img, ix+8, iy+4, id, c)
	}

	r.drawLegend(img)
	return img
}

// drawLegend writes the title and registration error in the top-left corner
func (r *LandmarkRenderer) drawLegend(img *image.RGBA) {
	y := 15
	if r.Scene.Title != "" {
		drawText(img, 10, y, r.Scene.Title, textColor)
		y += 18
	}
	if len(r.Scene.Digitized) > 0 {
		drawText(img, 10, y, fmt.Sprintf("FRE %.2fmm (%s)", r.Scene.FRE*1000, r.Scene.Quality), textColor)
	}
}

// EncodePNG writes the rendered image as PNG
func (r *LandmarkRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// drawLine draws a one pixel line with Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := absInt(x1 - x0)
	dy := -absInt(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	b := img.Bounds()
	for {
		if image.Pt(x0, y0).In(b) {
			img.Set(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
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
		width := int(math.Round(progress * float64(half)))
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
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
