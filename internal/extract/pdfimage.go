package extract

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"

	"github.com/ledongthuc/pdf"
)

// maxImagePixels caps a decoded XObject; larger images are skipped.
const maxImagePixels = 4096 * 4096

var errUnsupportedImage = errors.New("unsupported image encoding")

// pageImages returns the page's image XObjects re-encoded as PNG. Only
// unfiltered or Flate streams with 8-bit gray or RGB samples are decoded;
// JPEG and other encodings are skipped.
func pageImages(filename string, number int, page pdf.Page) []PageImage {
	xobjects := page.Resources().Key("XObject")
	if xobjects.Kind() != pdf.Dict {
		return nil
	}
	var images []PageImage
	for _, name := range xobjects.Keys() {
		x := xobjects.Key(name)
		if x.Key("Subtype").Name() != "Image" {
			continue
		}
		data, err := decodeImageXObject(x)
		if err != nil {
			log.Printf("Skipping image %s on %s page %d: %v", name, filename, number, err)
			continue
		}
		images = append(images, PageImage{
			Data:     data,
			MIMEType: "image/png",
			Metadata: map[string]any{
				"xobject": name,
				"width":   x.Key("Width").Int64(),
				"height":  x.Key("Height").Int64(),
			},
		})
	}
	return images
}

func decodeImageXObject(x pdf.Value) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("malformed image stream: %v", r)
		}
	}()

	if x.Kind() != pdf.Stream || x.Key("ImageMask").Bool() {
		return nil, errUnsupportedImage
	}
	switch filter := x.Key("Filter"); filter.Kind() {
	case pdf.Null:
	case pdf.Name:
		if filter.Name() != "FlateDecode" {
			return nil, fmt.Errorf("%w: %s", errUnsupportedImage, filter.Name())
		}
	default:
		return nil, errUnsupportedImage
	}
	if bpc := x.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, fmt.Errorf("%w: %d bits per component", errUnsupportedImage, bpc)
	}

	var components int
	switch cs := x.Key("ColorSpace").Name(); cs {
	case "DeviceGray":
		components = 1
	case "DeviceRGB":
		components = 3
	default:
		return nil, fmt.Errorf("%w: color space %q", errUnsupportedImage, cs)
	}

	w, h := int(x.Key("Width").Int64()), int(x.Key("Height").Int64())
	if w <= 0 || h <= 0 || w*h > maxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d", errUnsupportedImage, w, h)
	}

	want := w * h * components
	raw, err := io.ReadAll(io.LimitReader(x.Reader(), int64(want)))
	if err != nil {
		return nil, err
	}
	if len(raw) < want {
		return nil, fmt.Errorf("image stream has %d bytes, want %d", len(raw), want)
	}

	var img image.Image
	if components == 1 {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		copy(gray.Pix, raw)
		img = gray
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, w, h))
		for i, j := 0, 0; i < want; i, j = i+3, j+4 {
			rgba.Pix[j], rgba.Pix[j+1], rgba.Pix[j+2], rgba.Pix[j+3] = raw[i], raw[i+1], raw[i+2], 0xff
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
