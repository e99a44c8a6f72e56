package source

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// Thumbnail scales a raw BGRA frame to fit within max x max pixels,
// preserving the aspect ratio, and encodes it as PNG. Frames smaller than
// the box are not enlarged.
func Thumbnail(frame []byte, width, height, max int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if len(frame) < width*height*4 {
		return nil, fmt.Errorf("short frame: %d bytes for %dx%d", len(frame), width, height)
	}
	if max <= 0 {
		max = DefaultThumbnailSize
	}

	tw, th := fit(width, height, max)
	img := image.NewRGBA(image.Rect(0, 0, tw, th))
	for y := 0; y < th; y++ {
		sy := y * height / th
		for x := 0; x < tw; x++ {
			sx := x * width / tw
			i := (sy*width + sx) * 4
			img.SetRGBA(x, y, color.RGBA{
				R: frame[i+2],
				G: frame[i+1],
				B: frame[i],
				A: 0xff,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fit(width, height, max int) (int, int) {
	if width <= max && height <= max {
		return width, height
	}
	if width >= height {
		h := height * max / width
		if h < 1 {
			h = 1
		}
		return max, h
	}
	w := width * max / height
	if w < 1 {
		w = 1
	}
	return w, max
}
