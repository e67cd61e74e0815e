// Package imagery handles decoding source rasters and encoding the tiles
// shipped to inference endpoints. Pixel access is expressed through the
// Raster interface so the object store and decoder stay external
// collaborators with a narrow contract.
package imagery

import "fmt"

// Format identifies the container format used for tiles sent to the model.
type Format string

const (
	NITF  Format = "NITF"
	JPEG  Format = "JPEG"
	PNG   Format = "PNG"
	GTIFF Format = "GTIFF"
)

// Compression identifies the compression applied inside a tile container.
type Compression string

const (
	CompressionNone Compression = "NONE"
	CompressionJPEG Compression = "JPEG"
	CompressionJ2K  Compression = "J2K"
	CompressionLZW  Compression = "LZW"
)

// validCombinations is the authoritative format/compression table. Any pair
// not listed here is rejected at request validation.
var validCombinations = map[Format][]Compression{
	NITF:  {CompressionNone, CompressionJPEG, CompressionJ2K},
	GTIFF: {CompressionNone, CompressionJPEG, CompressionLZW},
	PNG:   {CompressionNone},
	JPEG:  {CompressionNone},
}

// ValidateFormat checks that the format/compression pair is supported.
func ValidateFormat(format Format, compression Compression) error {
	allowed, ok := validCombinations[format]
	if !ok {
		return fmt.Errorf("unsupported tile format %q", format)
	}
	for _, c := range allowed {
		if c == compression {
			return nil
		}
	}
	return fmt.Errorf("unsupported compression %q for tile format %q", compression, format)
}

// ContentType returns the MIME type used when POSTing a tile payload.
func ContentType(format Format) string {
	switch format {
	case NITF:
		return "image/nitf"
	case JPEG:
		return "image/jpeg"
	case PNG:
		return "image/png"
	case GTIFF:
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
