package iot

import (
	"fmt"
	"image"
	_ "image/gif" // boxes answer the connect request with a tiny GIF or PNG
	_ "image/jpeg"
	_ "image/png"
	"io"
)

// maxImageBytes bounds how much of a response is read to find the header.
const maxImageBytes = 64 << 10

// decodeImageConfig reads just enough of r to return the image dimensions.
func decodeImageConfig(r io.Reader) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(io.LimitReader(r, maxImageBytes))
	if err != nil {
		return image.Config{}, fmt.Errorf("decode image header: %w", err)
	}
	return cfg, nil
}
