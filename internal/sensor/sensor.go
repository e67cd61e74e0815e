// Package sensor adapts image geolocation metadata into a model mapping
// pixel coordinates to geographic coordinates. Images without usable
// geolocation get a degenerate model so downstream lifting can still pass
// pixel coordinates through.
package sensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoGeolocation is returned by the degenerate model for every transform.
var ErrNoGeolocation = errors.New("image has no usable geolocation metadata")

// Model maps full-image pixel coordinates to geographic coordinates and back.
// Implementations are immutable after construction and safe for concurrent
// use.
type Model interface {
	// PixelToWorld returns longitude, latitude, and elevation in that order.
	PixelToWorld(x, y float64) (lon, lat, elev float64, err error)
	// WorldToPixel is the inverse transform, used for round-trip validation.
	WorldToPixel(lon, lat float64) (x, y float64, err error)
	// HasGeolocation reports whether transforms can succeed at all.
	HasGeolocation() bool
}

// AffineModel implements Model with a six-coefficient geotransform as carried
// in geospatial image metadata:
//
//	lon = c[0] + x*c[1] + y*c[2]
//	lat = c[3] + x*c[4] + y*c[5]
//
// The inverse is derived at construction time.
type AffineModel struct {
	forward [6]float64
	inverse [6]float64
}

// NewAffineModel builds a model from the geotransform coefficients. It fails
// when the linear part is singular and no inverse exists.
func NewAffineModel(coeffs [6]float64) (*AffineModel, error) {
	det := coeffs[1]*coeffs[5] - coeffs[2]*coeffs[4]
	if math.Abs(det) < 1e-15 {
		return nil, fmt.Errorf("geotransform is singular: %v", coeffs)
	}
	inv := [6]float64{}
	inv[1] = coeffs[5] / det
	inv[2] = -coeffs[2] / det
	inv[4] = -coeffs[4] / det
	inv[5] = coeffs[1] / det
	inv[0] = -(inv[1]*coeffs[0] + inv[2]*coeffs[3])
	inv[3] = -(inv[4]*coeffs[0] + inv[5]*coeffs[3])
	return &AffineModel{forward: coeffs, inverse: inv}, nil
}

// PixelToWorld applies the forward geotransform.
func (m *AffineModel) PixelToWorld(x, y float64) (float64, float64, float64, error) {
	lon := m.forward[0] + x*m.forward[1] + y*m.forward[2]
	lat := m.forward[3] + x*m.forward[4] + y*m.forward[5]
	return lon, lat, 0, nil
}

// WorldToPixel applies the inverse geotransform.
func (m *AffineModel) WorldToPixel(lon, lat float64) (float64, float64, error) {
	x := m.inverse[0] + lon*m.inverse[1] + lat*m.inverse[2]
	y := m.inverse[3] + lon*m.inverse[4] + lat*m.inverse[5]
	return x, y, nil
}

// HasGeolocation always reports true for an affine model.
func (m *AffineModel) HasGeolocation() bool { return true }

// RoundTrip validates the model by mapping a pixel to the world and back,
// returning an error when the result drifts beyond tolerance.
func RoundTrip(m Model, x, y, tolerance float64) error {
	lon, lat, _, err := m.PixelToWorld(x, y)
	if err != nil {
		return err
	}
	rx, ry, err := m.WorldToPixel(lon, lat)
	if err != nil {
		return err
	}
	if math.Abs(rx-x) > tolerance || math.Abs(ry-y) > tolerance {
		return fmt.Errorf("round trip drifted: (%f,%f) -> (%f,%f)", x, y, rx, ry)
	}
	return nil
}

// DegenerateModel is used when an image carries no geolocation metadata.
// Lifted features keep their pixel coordinates and a nil geometry.
type DegenerateModel struct{}

// PixelToWorld always fails with ErrNoGeolocation.
func (DegenerateModel) PixelToWorld(x, y float64) (float64, float64, float64, error) {
	return 0, 0, 0, ErrNoGeolocation
}

// WorldToPixel always fails with ErrNoGeolocation.
func (DegenerateModel) WorldToPixel(lon, lat float64) (float64, float64, error) {
	return 0, 0, ErrNoGeolocation
}

// HasGeolocation always reports false.
func (DegenerateModel) HasGeolocation() bool { return false }

// FromGeoTransform returns an affine model when coefficients are present and
// invertible, and the degenerate model otherwise.
func FromGeoTransform(coeffs *[6]float64) Model {
	if coeffs == nil {
		return DegenerateModel{}
	}
	m, err := NewAffineModel(*coeffs)
	if err != nil {
		return DegenerateModel{}
	}
	return m
}
