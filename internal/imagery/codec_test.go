package imagery

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPattern builds a small deterministic RGB gradient.
func testPattern(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / max(w-1, 1)),
				G: uint8((y * 255) / max(h-1, 1)),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

// maxChannelDelta computes the largest per-channel difference between two
// images of identical size.
func maxChannelDelta(a, b image.Image) float64 {
	bounds := a.Bounds()
	maxDelta := 0.0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			ar, ag, ab, _ := a.At(x, y).RGBA()
			br, bg, bb, _ := b.At(x, y).RGBA()
			for _, d := range []float64{
				math.Abs(float64(ar>>8) - float64(br>>8)),
				math.Abs(float64(ag>>8) - float64(bg>>8)),
				math.Abs(float64(ab>>8) - float64(bb>>8)),
			} {
				maxDelta = math.Max(maxDelta, d)
			}
		}
	}
	return maxDelta
}

func TestValidateFormatTable(t *testing.T) {
	valid := []struct {
		f Format
		c Compression
	}{
		{NITF, CompressionNone}, {NITF, CompressionJPEG}, {NITF, CompressionJ2K},
		{GTIFF, CompressionNone}, {GTIFF, CompressionJPEG}, {GTIFF, CompressionLZW},
		{PNG, CompressionNone}, {JPEG, CompressionNone},
	}
	for _, v := range valid {
		assert.NoError(t, ValidateFormat(v.f, v.c), "%s/%s", v.f, v.c)
	}

	invalid := []struct {
		f Format
		c Compression
	}{
		{PNG, CompressionJPEG}, {PNG, CompressionLZW}, {JPEG, CompressionJ2K},
		{NITF, CompressionLZW}, {GTIFF, CompressionJ2K}, {"BMP", CompressionNone},
	}
	for _, v := range invalid {
		assert.Error(t, ValidateFormat(v.f, v.c), "%s/%s", v.f, v.c)
	}
}

func TestEncodeDecodeLossless(t *testing.T) {
	img := testPattern(32, 24)
	tests := []struct {
		f Format
		c Compression
	}{
		{PNG, CompressionNone},
		{GTIFF, CompressionNone},
		{GTIFF, CompressionLZW},
		{NITF, CompressionNone},
	}
	for _, tt := range tests {
		data, err := Encode(img, tt.f, tt.c)
		require.NoError(t, err, "%s/%s", tt.f, tt.c)
		decoded, err := Decode(data, tt.f)
		require.NoError(t, err, "%s/%s", tt.f, tt.c)
		assert.Equal(t, img.Bounds().Dx(), decoded.Bounds().Dx())
		assert.Equal(t, img.Bounds().Dy(), decoded.Bounds().Dy())
		assert.Zero(t, maxChannelDelta(img, decoded), "%s/%s should be lossless", tt.f, tt.c)
	}
}

func TestEncodeDecodeLossyWithinTolerance(t *testing.T) {
	img := testPattern(32, 32)
	tests := []struct {
		f Format
		c Compression
	}{
		{JPEG, CompressionNone},
		{NITF, CompressionJPEG},
	}
	for _, tt := range tests {
		data, err := Encode(img, tt.f, tt.c)
		require.NoError(t, err)
		decoded, err := Decode(data, tt.f)
		require.NoError(t, err)
		assert.LessOrEqual(t, maxChannelDelta(img, decoded), 40.0, "%s/%s", tt.f, tt.c)
	}
}

func TestEncodeUnsupportedCodecPairs(t *testing.T) {
	img := testPattern(4, 4)
	_, err := Encode(img, NITF, CompressionJ2K)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
	_, err = Encode(img, GTIFF, CompressionJPEG)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestEncodeRejectsInvalidPair(t *testing.T) {
	_, err := Encode(testPattern(4, 4), PNG, CompressionLZW)
	assert.Error(t, err)
}

func TestDecodeNITFRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not a nitf"), NITF)
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/nitf", ContentType(NITF))
	assert.Equal(t, "image/png", ContentType(PNG))
	assert.Equal(t, "image/jpeg", ContentType(JPEG))
	assert.Equal(t, "image/tiff", ContentType(GTIFF))
}
