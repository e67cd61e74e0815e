package imagery

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"strings"
)

// Minimal NITF 2.1 container support: one uncompressed (IC=NC) or
// JPEG-compressed (IC=C3) RGB image segment per file. This covers the tile
// payloads shipped to inference endpoints; full NITF (TREs, multiple
// segments, J2K) is out of reach without a native codec and reported as
// ErrUnsupportedCompression.

const (
	nitfVersion  = "NITF02.10"
	nitfOriginID = "MODELRUNNER"
)

// fieldWriter emits fixed-width ASCII header fields.
type fieldWriter struct {
	buf bytes.Buffer
}

func (w *fieldWriter) str(value string, width int) {
	if len(value) > width {
		value = value[:width]
	}
	w.buf.WriteString(value)
	w.buf.WriteString(strings.Repeat(" ", width-len(value)))
}

func (w *fieldWriter) num(value, width int) {
	s := strconv.Itoa(value)
	if len(s) > width {
		s = s[len(s)-width:]
	}
	w.buf.WriteString(strings.Repeat("0", width-len(s)))
	w.buf.WriteString(s)
}

func (w *fieldWriter) raw(data []byte) {
	w.buf.Write(data)
}

// securityBlock emits the 166-character NITF 2.1 security field group,
// unclassified and empty.
func (w *fieldWriter) securityBlock() {
	widths := []int{2, 11, 2, 20, 2, 8, 4, 1, 8, 43, 1, 40, 1, 8, 15}
	for _, width := range widths {
		w.str("", width)
	}
}

// encodeNITF wraps the image pixels in a single-segment NITF file.
func encodeNITF(img image.Image, compression Compression) ([]byte, error) {
	var ic string
	var data []byte
	bounds := img.Bounds()

	switch compression {
	case CompressionNone:
		ic = "NC"
		data = packRGB(img)
	case CompressionJPEG:
		ic = "C3"
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: NITF/%s", ErrUnsupportedCompression, compression)
	}

	subheader := buildImageSubheader(bounds.Dx(), bounds.Dy(), ic)
	header := buildFileHeader(len(subheader), len(data))

	out := make([]byte, 0, len(header)+len(subheader)+len(data))
	out = append(out, header...)
	out = append(out, subheader...)
	out = append(out, data...)
	return out, nil
}

func buildFileHeader(subheaderLen, dataLen int) []byte {
	w := &fieldWriter{}
	w.str(nitfVersion, 9) // FHDR + FVER
	w.str("03", 2)        // CLEVEL
	w.str("BF01", 4)      // STYPE
	w.str(nitfOriginID, 10)
	w.str("20240101000000", 14) // FDT, fixed: tiles are transient payloads
	w.str("", 80)               // FTITLE
	w.str("U", 1)               // FSCLAS
	w.securityBlock()
	w.str("00000", 5) // FSCOP
	w.str("00000", 5) // FSCPYS
	w.str("0", 1)     // ENCRYP
	w.raw([]byte{0, 0, 0})
	w.str("", 24) // ONAME
	w.str("", 18) // OPHONE

	headerLen := w.buf.Len() + 12 + 6 + 3 + 6 + 10 + 3 + 3 + 3 + 3 + 3 + 5 + 5
	w.num(headerLen+subheaderLen+dataLen, 12) // FL
	w.num(headerLen, 6)                       // HL
	w.num(1, 3)                               // NUMI
	w.num(subheaderLen, 6)                    // LISH
	w.num(dataLen, 10)                        // LI
	for range 5 {                             // NUMS NUMX NUMT NUMDES NUMRES
		w.num(0, 3)
	}
	w.num(0, 5) // UDHDL
	w.num(0, 5) // XHDL
	return w.buf.Bytes()
}

func buildImageSubheader(width, height int, ic string) []byte {
	w := &fieldWriter{}
	w.str("IM", 2)
	w.str("TILE", 10)           // IID1
	w.str("20240101000000", 14) // IDATIM
	w.str("", 17)               // TGTID
	w.str("", 80)               // IID2
	w.str("U", 1)               // ISCLAS
	w.securityBlock()
	w.str("0", 1)  // ENCRYP
	w.str("", 42)  // ISORCE
	w.num(height, 8)
	w.num(width, 8)
	w.str("INT", 3) // PVTYPE
	w.str("RGB", 8) // IREP
	w.str("VIS", 8) // ICAT
	w.str("08", 2)  // ABPP
	w.str("R", 1)   // PJUST
	w.str(" ", 1)   // ICORDS
	w.str("0", 1)   // NICOM
	w.str(ic, 2)
	if ic != "NC" {
		w.str("00.0", 4) // COMRAT
	}
	w.num(3, 1) // NBANDS
	for _, band := range []string{"R", "G", "B"} {
		w.str(band, 2) // IREPBAND
		w.str("", 6)   // ISUBCAT
		w.str("N", 1)  // IFC
		w.str("", 3)   // IMFLT
		w.str("0", 1)  // NLUTS
	}
	w.str("0", 1) // ISYNC
	w.str("P", 1) // IMODE
	w.num(1, 4)   // NBPR
	w.num(1, 4)   // NBPC
	w.num(width, 4)
	w.num(height, 4)
	w.str("08", 2)          // NBPP
	w.num(1, 3)             // IDLVL
	w.num(0, 3)             // IALVL
	w.str("0000000000", 10) // ILOC
	w.str("1.0", 4)         // IMAG
	w.num(0, 5)             // UDIDL
	w.num(0, 5)             // IXSHDL
	return w.buf.Bytes()
}

// packRGB flattens the image to band-interleaved-by-pixel RGB bytes.
func packRGB(img image.Image) []byte {
	bounds := img.Bounds()
	out := make([]byte, 0, bounds.Dx()*bounds.Dy()*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out = append(out, byte(r>>8), byte(g>>8), byte(b>>8))
		}
	}
	return out
}

// fieldReader walks fixed-width fields during decode.
type fieldReader struct {
	data []byte
	pos  int
}

func (r *fieldReader) str(width int) (string, error) {
	if r.pos+width > len(r.data) {
		return "", fmt.Errorf("truncated NITF header at offset %d", r.pos)
	}
	out := strings.TrimSpace(string(r.data[r.pos : r.pos+width]))
	r.pos += width
	return out, nil
}

func (r *fieldReader) num(width int) (int, error) {
	s, err := r.str(width)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func (r *fieldReader) skip(width int) error {
	if r.pos+width > len(r.data) {
		return fmt.Errorf("truncated NITF header at offset %d", r.pos)
	}
	r.pos += width
	return nil
}

// decodeNITF parses a file produced by encodeNITF.
func decodeNITF(data []byte) (image.Image, error) {
	r := &fieldReader{data: data}
	version, err := r.str(9)
	if err != nil {
		return nil, err
	}
	if version != nitfVersion {
		return nil, fmt.Errorf("unsupported NITF version %q", version)
	}
	// CLEVEL..OPHONE including security block and background color
	if err := r.skip(2 + 4 + 10 + 14 + 80 + 1 + 166 + 5 + 5 + 1 + 3 + 24 + 18); err != nil {
		return nil, err
	}
	if err := r.skip(12); err != nil { // FL
		return nil, err
	}
	headerLen, err := r.num(6)
	if err != nil {
		return nil, err
	}
	numImages, err := r.num(3)
	if err != nil {
		return nil, err
	}
	if numImages != 1 {
		return nil, fmt.Errorf("expected 1 image segment, found %d", numImages)
	}
	subheaderLen, err := r.num(6)
	if err != nil {
		return nil, err
	}
	dataLen, err := r.num(10)
	if err != nil {
		return nil, err
	}

	if len(data) < headerLen+subheaderLen+dataLen {
		return nil, fmt.Errorf("NITF shorter than declared lengths")
	}
	sub := &fieldReader{data: data[headerLen : headerLen+subheaderLen]}
	if err := sub.skip(2 + 10 + 14 + 17 + 80 + 1 + 166 + 1 + 42); err != nil {
		return nil, err
	}
	height, err := sub.num(8)
	if err != nil {
		return nil, err
	}
	width, err := sub.num(8)
	if err != nil {
		return nil, err
	}
	if err := sub.skip(3 + 8 + 8 + 2 + 1 + 1 + 1); err != nil {
		return nil, err
	}
	ic, err := sub.str(2)
	if err != nil {
		return nil, err
	}

	pixels := data[headerLen+subheaderLen : headerLen+subheaderLen+dataLen]
	switch ic {
	case "NC":
		return unpackRGB(pixels, width, height)
	case "C3":
		return jpeg.Decode(bytes.NewReader(pixels))
	default:
		return nil, fmt.Errorf("unsupported NITF compression %q", ic)
	}
}

func unpackRGB(pixels []byte, width, height int) (image.Image, error) {
	if len(pixels) < width*height*3 {
		return nil, fmt.Errorf("NITF pixel data truncated: %d bytes for %dx%d", len(pixels), width, height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	i := 0
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: pixels[i], G: pixels[i+1], B: pixels[i+2], A: 255})
			i += 3
		}
	}
	return img, nil
}
