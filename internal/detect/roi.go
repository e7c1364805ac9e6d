package detect

// ROI is the single polygon source of truth for both the activity
// predicate's point-in-polygon test and the detector's crop rectangle,
// per Design Notes §9 ("keep both representations derived from a single
// polygon source of truth").
type ROI struct {
	Polygon []Point
}

// Point is a 2D pixel coordinate.
type Point struct {
	X, Y float64
}

// BoundingRect derives the detector's crop rectangle from the polygon.
func (r ROI) BoundingRect() (minX, minY, maxX, maxY float64) {
	if len(r.Polygon) == 0 {
		return 0, 0, 0, 0
	}
	minX, minY = r.Polygon[0].X, r.Polygon[0].Y
	maxX, maxY = minX, minY
	for _, p := range r.Polygon[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return
}

// Contains reports whether (x, y) lies inside the polygon, via a
// standard even-odd ray-casting test. An empty polygon contains
// everything (no ROI restriction configured).
func (r ROI) Contains(x, y float64) bool {
	if len(r.Polygon) == 0 {
		return true
	}
	inside := false
	n := len(r.Polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := r.Polygon[i], r.Polygon[j]
		if ((pi.Y > y) != (pj.Y > y)) &&
			(x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}
	return inside
}
