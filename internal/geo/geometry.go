// Package geo provides the GeoJSON-compatible feature model shared by the
// tiling, inference, and aggregation stages. Geometries are represented as a
// tagged variant with a fixed schema so coordinate transforms are total
// functions over the supported kinds.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// GeometryType enumerates the GeoJSON geometry kinds supported by the runner.
type GeometryType string

const (
	PointType           GeometryType = "Point"
	LineStringType      GeometryType = "LineString"
	PolygonType         GeometryType = "Polygon"
	MultiPointType      GeometryType = "MultiPoint"
	MultiLineStringType GeometryType = "MultiLineString"
	MultiPolygonType    GeometryType = "MultiPolygon"
)

// Coordinate is a single position: [x, y] or [x, y, z].
type Coordinate []float64

// X returns the first ordinate.
func (c Coordinate) X() float64 { return c[0] }

// Y returns the second ordinate.
func (c Coordinate) Y() float64 { return c[1] }

// Geometry is a tagged variant over the supported GeoJSON geometry kinds.
// Exactly one of the coordinate fields is populated, selected by Type:
// Point uses Point, LineString/MultiPoint use Line, Polygon/MultiLineString
// use Rings, MultiPolygon uses Polygons.
type Geometry struct {
	Type     GeometryType
	Point    Coordinate
	Line     []Coordinate
	Rings    [][]Coordinate
	Polygons [][][]Coordinate
}

// NewPoint constructs a Point geometry.
func NewPoint(x, y float64) *Geometry {
	return &Geometry{Type: PointType, Point: Coordinate{x, y}}
}

// NewPolygon constructs a Polygon geometry from a single exterior ring.
func NewPolygon(ring []Coordinate) *Geometry {
	return &Geometry{Type: PolygonType, Rings: [][]Coordinate{ring}}
}

// geometryJSON is the wire form of a Geometry.
type geometryJSON struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// MarshalJSON renders the geometry in standard GeoJSON form.
func (g *Geometry) MarshalJSON() ([]byte, error) {
	var coords any
	switch g.Type {
	case PointType:
		coords = g.Point
	case LineStringType, MultiPointType:
		coords = g.Line
	case PolygonType, MultiLineStringType:
		coords = g.Rings
	case MultiPolygonType:
		coords = g.Polygons
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
	raw, err := json.Marshal(coords)
	if err != nil {
		return nil, err
	}
	return json.Marshal(geometryJSON{Type: g.Type, Coordinates: raw})
}

// UnmarshalJSON parses standard GeoJSON into the tagged variant.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var wire geometryJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	g.Type = wire.Type
	g.Point, g.Line, g.Rings, g.Polygons = nil, nil, nil, nil
	switch wire.Type {
	case PointType:
		return json.Unmarshal(wire.Coordinates, &g.Point)
	case LineStringType, MultiPointType:
		return json.Unmarshal(wire.Coordinates, &g.Line)
	case PolygonType, MultiLineStringType:
		return json.Unmarshal(wire.Coordinates, &g.Rings)
	case MultiPolygonType:
		return json.Unmarshal(wire.Coordinates, &g.Polygons)
	default:
		return fmt.Errorf("unsupported geometry type %q", wire.Type)
	}
}

// MapCoords applies fn to every coordinate and returns a new geometry of the
// same kind. The transform is total over the variant: every supported kind is
// handled, and the first error aborts the mapping.
func (g *Geometry) MapCoords(fn func(Coordinate) (Coordinate, error)) (*Geometry, error) {
	out := &Geometry{Type: g.Type}
	var err error
	switch g.Type {
	case PointType:
		out.Point, err = fn(g.Point)
	case LineStringType, MultiPointType:
		out.Line, err = mapLine(g.Line, fn)
	case PolygonType, MultiLineStringType:
		out.Rings, err = mapRings(g.Rings, fn)
	case MultiPolygonType:
		out.Polygons = make([][][]Coordinate, len(g.Polygons))
		for i, rings := range g.Polygons {
			out.Polygons[i], err = mapRings(rings, fn)
			if err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("unsupported geometry type %q", g.Type)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mapLine(line []Coordinate, fn func(Coordinate) (Coordinate, error)) ([]Coordinate, error) {
	out := make([]Coordinate, len(line))
	for i, c := range line {
		mapped, err := fn(c)
		if err != nil {
			return nil, err
		}
		out[i] = mapped
	}
	return out, nil
}

func mapRings(rings [][]Coordinate, fn func(Coordinate) (Coordinate, error)) ([][]Coordinate, error) {
	out := make([][]Coordinate, len(rings))
	for i, ring := range rings {
		mapped, err := mapLine(ring, fn)
		if err != nil {
			return nil, err
		}
		out[i] = mapped
	}
	return out, nil
}

// EachCoord visits every coordinate in the geometry.
func (g *Geometry) EachCoord(visit func(Coordinate)) {
	switch g.Type {
	case PointType:
		visit(g.Point)
	case LineStringType, MultiPointType:
		for _, c := range g.Line {
			visit(c)
		}
	case PolygonType, MultiLineStringType:
		for _, ring := range g.Rings {
			for _, c := range ring {
				visit(c)
			}
		}
	case MultiPolygonType:
		for _, rings := range g.Polygons {
			for _, ring := range rings {
				for _, c := range ring {
					visit(c)
				}
			}
		}
	}
}

// Bounds computes the axis-aligned bounding box of the geometry.
func (g *Geometry) Bounds() (BBox, error) {
	box := BBox{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	found := false
	g.EachCoord(func(c Coordinate) {
		if len(c) < 2 {
			return
		}
		found = true
		box[0] = math.Min(box[0], c.X())
		box[1] = math.Min(box[1], c.Y())
		box[2] = math.Max(box[2], c.X())
		box[3] = math.Max(box[3], c.Y())
	})
	if !found {
		return BBox{}, errors.New("geometry has no coordinates")
	}
	return box, nil
}

// BBox is a GeoJSON bounding box: [minX, minY, maxX, maxY].
type BBox [4]float64

// NewBBox constructs a BBox ensuring ordering of the corners.
func NewBBox(x1, y1, x2, y2 float64) BBox {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return BBox{x1, y1, x2, y2}
}

// MinX returns the minimum x ordinate.
func (b BBox) MinX() float64 { return b[0] }

// MinY returns the minimum y ordinate.
func (b BBox) MinY() float64 { return b[1] }

// MaxX returns the maximum x ordinate.
func (b BBox) MaxX() float64 { return b[2] }

// MaxY returns the maximum y ordinate.
func (b BBox) MaxY() float64 { return b[3] }

// Width returns the box width.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns the box height.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Translate shifts the box by the given offsets.
func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{b[0] + dx, b[1] + dy, b[2] + dx, b[3] + dy}
}

// Union returns the smallest box containing both boxes.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		math.Min(b[0], o[0]),
		math.Min(b[1], o[1]),
		math.Max(b[2], o[2]),
		math.Max(b[3], o[3]),
	}
}

// Polygon converts the box into a closed four point exterior ring. The first
// coordinate is repeated at the end to close the ring as required by some
// visualization tools.
func (b BBox) Polygon() *Geometry {
	ring := []Coordinate{
		{b[0], b[1]},
		{b[0], b[3]},
		{b[2], b[3]},
		{b[2], b[1]},
		{b[0], b[1]},
	}
	return NewPolygon(ring)
}

// MarshalJSON renders the box as a flat JSON array.
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64(b))
}

// UnmarshalJSON accepts a flat JSON array of four numbers.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 4 {
		return fmt.Errorf("bbox needs 4 values, got %d", len(arr))
	}
	copy(b[:], arr[:4])
	return nil
}
