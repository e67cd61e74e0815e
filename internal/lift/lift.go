// Package lift rewrites the features returned by a model for one tile into
// full-image pixel coordinates and geographic coordinates, and stamps them
// with provenance metadata.
package lift

import (
	"math"
	"time"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/sensor"
)

// Result summarizes one tile's lift pass.
type Result struct {
	Lifted     int
	LiftErrors int
}

// Lifter lifts tile-frame features into the full-image and world frames.
// It is immutable after construction and safe to share across tile workers.
type Lifter struct {
	model     sensor.Model
	source    []geo.SourceMetadata
	jobID     string
	modelName string

	// Now is the wall clock used for inference timestamps, replaceable in
	// tests.
	Now func() time.Time
}

// New builds a lifter for one image. The source metadata is attached to every
// lifted feature.
func New(model sensor.Model, source []geo.SourceMetadata, jobID, modelName string) *Lifter {
	return &Lifter{
		model:     model,
		source:    source,
		jobID:     jobID,
		modelName: modelName,
		Now:       time.Now,
	}
}

// LiftTile lifts all features of a tile whose upper-left corner sits at
// (ulx, uly) in full-image pixel space. Features are updated in place. A
// failed world transform is non-fatal: the feature keeps a nil geometry and
// an error tag in its inference metadata.
func (l *Lifter) LiftTile(features []*geo.Feature, ulx, uly float64) Result {
	var res Result
	for _, f := range features {
		f.Normalize()
		l.translate(f, ulx, uly)
		l.stamp(f)
		if err := l.geolocate(f); err != nil {
			f.Geometry = nil
			f.BBox = nil
			if f.Properties.Inference != nil {
				f.Properties.Inference.LiftError = err.Error()
			}
			res.LiftErrors++
		}
		res.Lifted++
	}
	return res
}

// translate shifts the pixel geometry and bbox from tile frame to full-image
// frame.
func (l *Lifter) translate(f *geo.Feature, ulx, uly float64) {
	p := &f.Properties
	if p.ImageGeometry != nil {
		shifted, err := p.ImageGeometry.MapCoords(func(c geo.Coordinate) (geo.Coordinate, error) {
			out := geo.Coordinate{c.X() + ulx, c.Y() + uly}
			if len(c) > 2 {
				out = append(out, c[2])
			}
			return out, nil
		})
		if err == nil {
			p.ImageGeometry = shifted
		}
	}
	if p.ImageBBox != nil {
		moved := p.ImageBBox.Translate(ulx, uly)
		p.ImageBBox = &moved
	}
}

// geolocate fills the world geometry, bbox, and center coordinates from the
// sensor model. Images without geolocation leave the geometry nil without
// flagging an error.
func (l *Lifter) geolocate(f *geo.Feature) error {
	if !l.model.HasGeolocation() {
		f.Geometry = nil
		f.BBox = nil
		return nil
	}
	p := &f.Properties
	if p.ImageGeometry == nil {
		return nil
	}

	world, err := p.ImageGeometry.MapCoords(func(c geo.Coordinate) (geo.Coordinate, error) {
		lon, lat, elev, err := l.model.PixelToWorld(c.X(), c.Y())
		if err != nil {
			return nil, err
		}
		return geo.Coordinate{lon, lat, elev}, nil
	})
	if err != nil {
		return err
	}
	f.Geometry = world

	box, err := world.Bounds()
	if err != nil {
		return err
	}
	f.BBox = &box

	if pixelBox, ok := f.PixelBounds(); ok {
		cx := (pixelBox.MinX() + pixelBox.MaxX()) / 2
		cy := (pixelBox.MinY() + pixelBox.MaxY()) / 2
		lon, lat, _, err := l.model.PixelToWorld(cx, cy)
		if err == nil && !math.IsNaN(lon) && !math.IsNaN(lat) {
			p.CenterLongitude = &lon
			p.CenterLatitude = &lat
		}
	}
	return nil
}

// stamp attaches source and inference provenance.
func (l *Lifter) stamp(f *geo.Feature) {
	if len(l.source) > 0 && len(f.Properties.SourceMetadata) == 0 {
		f.Properties.SourceMetadata = append([]geo.SourceMetadata(nil), l.source...)
	}
	f.Properties.Inference = &geo.InferenceMetadata{
		JobID:         l.jobID,
		ModelName:     l.modelName,
		InferenceTime: l.Now().UTC(),
	}
}
