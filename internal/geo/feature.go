package geo

import (
	"sort"
	"time"
)

// FeatureClass is one ontology entry for a detection: the class IRI, the
// current score, and the pre-decay score when Soft-NMS has adjusted it.
type FeatureClass struct {
	IRI      string   `json:"iri"`
	Score    float64  `json:"score"`
	RawScore *float64 `json:"rawScore,omitempty"`
}

// SourceMetadata describes the imagery a feature was detected in.
type SourceMetadata struct {
	Location      string `json:"location,omitempty"`
	FileType      string `json:"fileType,omitempty"`
	ImageCategory string `json:"imageCategory,omitempty"`
	SourceID      string `json:"sourceId,omitempty"`
	SourceDT      string `json:"sourceDt,omitempty"`
}

// InferenceMetadata records the provenance of a detection.
type InferenceMetadata struct {
	JobID         string    `json:"jobId,omitempty"`
	ModelName     string    `json:"modelName,omitempty"`
	InferenceTime time.Time `json:"inferenceTime,omitzero"`
	LiftError     string    `json:"liftError,omitempty"`
}

// Properties holds the schema-controlled feature properties. Deprecated model
// output fields (bounds_imcoords, feature_types, detection_score) are accepted
// on input; Normalize migrates bounds_imcoords and feature_types and discards
// detection_score.
type Properties struct {
	ImageGeometry   *Geometry          `json:"imageGeometry,omitempty"`
	ImageBBox       *BBox              `json:"imageBBox,omitempty"`
	FeatureClasses  []FeatureClass     `json:"featureClasses,omitempty"`
	SourceMetadata  []SourceMetadata   `json:"sourceMetadata,omitempty"`
	Inference       *InferenceMetadata `json:"inferenceMetadata,omitempty"`
	CenterLongitude *float64           `json:"center_longitude,omitempty"`
	CenterLatitude  *float64           `json:"center_latitude,omitempty"`

	// Deprecated fields still emitted by older model containers.
	BoundsImcoords []float64          `json:"bounds_imcoords,omitempty"`
	FeatureTypes   map[string]float64 `json:"feature_types,omitempty"`
	DetectionScore *float64           `json:"detection_score,omitempty"`
}

// Feature is a single detected object. Geometry and BBox are world
// coordinates filled in by the lifter; ImageGeometry and ImageBBox are pixel
// coordinates, in tile frame when produced by the model and in full-image
// frame after lifting.
type Feature struct {
	Type       string     `json:"type"`
	ID         string     `json:"id,omitempty"`
	Geometry   *Geometry  `json:"geometry"`
	BBox       *BBox      `json:"bbox,omitempty"`
	Properties Properties `json:"properties"`
}

// NewFeature constructs an empty feature with the mandatory type tag.
func NewFeature() *Feature {
	return &Feature{Type: "Feature"}
}

// FeatureCollection is the GeoJSON container exchanged with the inference
// endpoint and written to sinks.
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection wraps features in a collection.
func NewFeatureCollection(features []*Feature) *FeatureCollection {
	if features == nil {
		features = []*Feature{}
	}
	return &FeatureCollection{Type: "FeatureCollection", Features: features}
}

// Normalize migrates deprecated fields into the current schema and derives
// the pixel bbox/geometry from whichever of the two is present. It is applied
// to every feature parsed from a model response.
func (f *Feature) Normalize() {
	p := &f.Properties

	if p.ImageBBox == nil && len(p.BoundsImcoords) >= 4 {
		box := NewBBox(p.BoundsImcoords[0], p.BoundsImcoords[1], p.BoundsImcoords[2], p.BoundsImcoords[3])
		p.ImageBBox = &box
	}
	p.BoundsImcoords = nil

	if len(p.FeatureClasses) == 0 && len(p.FeatureTypes) > 0 {
		iris := make([]string, 0, len(p.FeatureTypes))
		for iri := range p.FeatureTypes {
			iris = append(iris, iri)
		}
		sort.Strings(iris)
		for _, iri := range iris {
			p.FeatureClasses = append(p.FeatureClasses, FeatureClass{IRI: iri, Score: p.FeatureTypes[iri]})
		}
	}
	p.FeatureTypes = nil
	p.DetectionScore = nil

	// A missing pixel bbox is derivable from the pixel geometry and vice
	// versa: a bare bbox becomes a closed four point polygon.
	if p.ImageBBox == nil && p.ImageGeometry != nil {
		if box, err := p.ImageGeometry.Bounds(); err == nil {
			p.ImageBBox = &box
		}
	}
	if p.ImageGeometry == nil && p.ImageBBox != nil {
		p.ImageGeometry = p.ImageBBox.Polygon()
	}
}

// DominantClass returns the highest-score class entry, or false when the
// feature carries no classes.
func (f *Feature) DominantClass() (FeatureClass, bool) {
	var best FeatureClass
	found := false
	for _, fc := range f.Properties.FeatureClasses {
		if !found || fc.Score > best.Score {
			best = fc
			found = true
		}
	}
	return best, found
}

// PixelBounds returns the full-image pixel bbox, deriving it from the pixel
// geometry when absent.
func (f *Feature) PixelBounds() (BBox, bool) {
	if f.Properties.ImageBBox != nil {
		return *f.Properties.ImageBBox, true
	}
	if f.Properties.ImageGeometry != nil {
		if box, err := f.Properties.ImageGeometry.Bounds(); err == nil {
			return box, true
		}
	}
	return BBox{}, false
}
