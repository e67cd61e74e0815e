package imagery

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register standard decoders for image.Decode
	_ "image/png"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/tiff" // register the TIFF decoder

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/store"
)

// Metadata carries the decoded image properties the workflows need: the
// dimensions used for region planning, the geotransform backing the sensor
// model, and the source fields attached to features.
type Metadata struct {
	Width         int
	Height        int
	Format        Format
	GeoTransform  *[6]float64
	ImageCategory string
	SourceID      string
	SourceTime    string
}

// Raster is a decoded image plus its metadata. Pixel data for very large
// imagery is accessed through crops rather than whole-image traversal.
type Raster struct {
	Image image.Image
	Meta  Metadata
}

// Crop extracts the pixel rectangle with origin (x, y) in full-image space.
func (r *Raster) Crop(x, y, w, h int) image.Image {
	return imaging.Crop(r.Image, image.Rect(x, y, x+w, y+h))
}

// Decoder is the external image-decoding collaborator. Implementations open
// an image URI and expose dimensions, metadata, and pixel access.
type Decoder interface {
	Open(ctx context.Context, uri string) (*Raster, error)
}

// StoreDecoder decodes imagery fetched from an object store. It handles the
// standard raster containers. It does not read geotransforms: the returned
// Metadata.GeoTransform is always nil, which yields a degenerate sensor model
// downstream.
type StoreDecoder struct {
	Store store.ObjectStore
}

// Open fetches and decodes the image at the URI.
func (d *StoreDecoder) Open(ctx context.Context, uri string) (*Raster, error) {
	data, err := d.Store.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", uri, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", uri, err)
	}
	bounds := img.Bounds()
	return &Raster{
		Image: img,
		Meta: Metadata{
			Width:    bounds.Dx(),
			Height:   bounds.Dy(),
			Format:   formatFromDecoderName(format, uri),
			SourceID: path.Base(uri),
		},
	}, nil
}

func formatFromDecoderName(name, uri string) Format {
	switch name {
	case "png":
		return PNG
	case "jpeg":
		return JPEG
	case "tiff":
		return GTIFF
	}
	if strings.HasSuffix(strings.ToLower(uri), ".ntf") {
		return NITF
	}
	return Format(strings.ToUpper(name))
}
