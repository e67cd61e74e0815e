package imagery

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/tiff"
)

// ErrUnsupportedCompression marks format/compression pairs that are valid on
// the wire contract but have no pure-Go codec available. Tiles requested with
// such a pair fail permanently at encode time.
var ErrUnsupportedCompression = errors.New("no codec available for this format/compression pair")

const jpegQuality = 90

// Encode serializes an image tile in the requested container format and
// compression. The caller is expected to have validated the pair against the
// format table first.
func Encode(img image.Image, format Format, compression Compression) ([]byte, error) {
	if err := ValidateFormat(format, compression); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	switch format {
	case PNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case JPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, err
		}
	case GTIFF:
		opts := &tiff.Options{}
		switch compression {
		case CompressionNone:
			opts.Compression = tiff.Uncompressed
		case CompressionLZW:
			opts.Compression = tiff.LZW
			opts.Predictor = true
		default:
			return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedCompression, format, compression)
		}
		if err := tiff.Encode(&buf, img, opts); err != nil {
			return nil, err
		}
	case NITF:
		data, err := encodeNITF(img, compression)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	default:
		return nil, fmt.Errorf("unsupported tile format %q", format)
	}
	return buf.Bytes(), nil
}

// Decode parses a tile payload back into an image, primarily for round-trip
// validation in tests.
func Decode(data []byte, format Format) (image.Image, error) {
	switch format {
	case PNG:
		return png.Decode(bytes.NewReader(data))
	case JPEG:
		return jpeg.Decode(bytes.NewReader(data))
	case GTIFF:
		return tiff.Decode(bytes.NewReader(data))
	case NITF:
		return decodeNITF(data)
	default:
		return nil, fmt.Errorf("unsupported tile format %q", format)
	}
}
