package inference

import "github.com/rotisserie/eris"

// RLE is a run-length encoded binary mask. Size is [height, width]. Counts
// alternate zero and one runs over the row-major pixels, starting with a
// (possibly empty) zero run.
type RLE struct {
	Size   [2]int `json:"size"`
	Counts []int  `json:"counts"`
}

// MaxMaskPixels bounds the decoded mask size. Masks are produced for images
// of at most a few thousand pixels per side.
const MaxMaskPixels = 1 << 26

// Decode expands the mask into row-major bits. The runs must cover exactly
// height·width pixels, and that product may not exceed MaxMaskPixels.
func (r RLE) Decode() (bits []bool, width, height int, err error) {
	height, width = r.Size[0], r.Size[1]
	if height <= 0 || width <= 0 {
		return nil, 0, 0, eris.Errorf("inference: invalid mask size %dx%d", width, height)
	}
	if width > MaxMaskPixels/height {
		return nil, 0, 0, eris.Errorf("inference: mask size %dx%d exceeds %d pixels", width, height, MaxMaskPixels)
	}
	total := height * width
	bits = make([]bool, total)

	pos := 0
	for i, run := range r.Counts {
		if run < 0 {
			return nil, 0, 0, eris.Errorf("inference: negative run %d at %d", run, i)
		}
		if pos+run > total {
			return nil, 0, 0, eris.Errorf("inference: mask runs exceed %d pixels", total)
		}
		if i%2 == 1 {
			for j := pos; j < pos+run; j++ {
				bits[j] = true
			}
		}
		pos += run
	}
	if pos != total {
		return nil, 0, 0, eris.Errorf("inference: mask runs cover %d of %d pixels", pos, total)
	}
	return bits, width, height, nil
}

// EncodeRLE run-length encodes row-major bits of a width×height mask.
func EncodeRLE(bits []bool, width, height int) RLE {
	counts := []int{}
	current := false
	run := 0
	for _, b := range bits {
		if b != current {
			counts = append(counts, run)
			current = b
			run = 0
		}
		run++
	}
	counts = append(counts, run)
	return RLE{Size: [2]int{height, width}, Counts: counts}
}
