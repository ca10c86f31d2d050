package imagery

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeImage_PNGDropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 100, G: 50, B: 25, A: 128})
		}
	}

	img, err := decodeImage(encodePNG(t, src))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
	i := img.PixOffset(2, 2)
	assert.Equal(t, []uint8{100, 50, 25, 255}, img.Pix[i:i+4])
}

func TestDecodeImage_JPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(16, 8, gray), nil))

	img, err := decodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
}

func TestDecodeImage_Invalid(t *testing.T) {
	_, err := decodeImage([]byte("not an image"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode image")
}

func TestToOpaqueRGBA_ZeroOrigin(t *testing.T) {
	src := solidImage(10, 10, gray).SubImage(image.Rect(5, 5, 10, 10))
	out := toOpaqueRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 5, 5), out.Bounds())
	assert.Equal(t, [3]uint8{200, 200, 200}, rgbAt(out, 0, 0))
}

func TestResizeRGBA(t *testing.T) {
	src := solidImage(512, 512, gray)
	out := resizeRGBA(src, 256, 256)
	assert.Equal(t, image.Rect(0, 0, 256, 256), out.Bounds())
	assert.Equal(t, [3]uint8{200, 200, 200}, rgbAt(out, 128, 128))

	same := solidImage(256, 256, gray)
	assert.Same(t, same, resizeRGBA(same, 256, 256))
}
