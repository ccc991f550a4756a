package domain

// Viewport is the virtual canvas a page is laid out on. Scale multiplies
// the CSS pixel size into output pixels.
type Viewport struct {
	Width  int64
	Height int64
	Scale  float64
}

// BoundingBox is an element rectangle in page (document) CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the box covers no area.
func (b BoundingBox) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Result is the outcome of one successful export.
type Result struct {
	// Image is the base64 (standard encoding) PNG of the clipped region.
	Image string
	Clip  BoundingBox
}
