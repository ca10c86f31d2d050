package imagery

import (
	"bytes"
	"image"
	"image/color"
	_ "image/jpeg" // tile formats
	_ "image/png"

	"github.com/rotisserie/eris"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// decodeImage decodes PNG, JPEG or WebP bytes into an opaque RGBA raster.
func decodeImage(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "imagery: decode image")
	}
	return toOpaqueRGBA(img), nil
}

// isImage reports whether data starts with a decodable PNG, JPEG or WebP header.
func isImage(data []byte) bool {
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil
}

// toOpaqueRGBA copies img into a zero-origin RGBA with alpha dropped, the
// way an RGB conversion discards transparency.
func toOpaqueRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := rgbAt(img, x, y)
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i+0] = px[0]
			out.Pix[i+1] = px[1]
			out.Pix[i+2] = px[2]
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// rgbAt returns the non-premultiplied RGB of one pixel.
func rgbAt(img image.Image, x, y int) [3]uint8 {
	if rgba, ok := img.(*image.RGBA); ok {
		i := rgba.PixOffset(x, y)
		return [3]uint8{rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2]}
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return [3]uint8{c.R, c.G, c.B}
}

// resizeRGBA scales src to w×h with Catmull-Rom resampling. src is returned
// unchanged when it already has that size.
func resizeRGBA(src *image.RGBA, w, h int) *image.RGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
