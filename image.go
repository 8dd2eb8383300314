package inferbatch

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"strings"

	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	lowDetailImageTokens = 85
	imageBaseTokens      = 85
	imageTileTokens      = 170

	maxImageLongSide  = 2048
	maxImageShortSide = 768
	imageTileSize     = 512
)

// ImageTokens returns the prompt cost of an image of the given size.
// Low detail is a flat cost. Otherwise the image is scaled to fit within
// 2048x2048, then its shortest side is scaled down to 768, and it is
// charged per 512x512 tile.
func ImageTokens(width, height int, detail ImageDetail) int64 {
	if detail == DetailLow {
		return lowDetailImageTokens
	}

	w, h := float64(width), float64(height)
	if w >= h {
		if w > maxImageLongSide {
			h = h * maxImageLongSide / w
			w = maxImageLongSide
		}
	} else if h > maxImageLongSide {
		w = w * maxImageLongSide / h
		h = maxImageLongSide
	}

	if w <= h {
		if w > maxImageShortSide {
			h = h * maxImageShortSide / w
			w = maxImageShortSide
		}
	} else if h > maxImageShortSide {
		w = w * maxImageShortSide / h
		h = maxImageShortSide
	}

	tiles := int64(math.Ceil(w/imageTileSize)) * int64(math.Ceil(h/imageTileSize))
	return imageBaseTokens + imageTileTokens*tiles
}

// ImageDimensions reads width and height from a base64 data URL without
// decoding the full image. PNG, JPEG, GIF and WebP are supported.
func ImageDimensions(dataURL string) (int, int, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return 0, 0, fmt.Errorf("%w: not a data URL", ErrEstimation)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return 0, 0, fmt.Errorf("%w: data URL is not base64 encoded", ErrEstimation)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: decode base64 image: %v", ErrEstimation, err)
		}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: read image header: %v", ErrEstimation, err)
	}
	return cfg.Width, cfg.Height, nil
}

// imagePartTokens prices an image part. A data URL is always decoded so
// malformed payloads fail estimation whatever the detail. Remote images
// with unknown size are charged the largest high-detail cost.
func imagePartTokens(p ImagePart) (int64, error) {
	if p.URL == "" {
		return 0, fmt.Errorf("%w: image part has no url", ErrEstimation)
	}

	w, h := p.Width, p.Height
	if strings.HasPrefix(p.URL, "data:") {
		dw, dh, err := ImageDimensions(p.URL)
		if err != nil {
			return 0, err
		}
		if w <= 0 || h <= 0 {
			w, h = dw, dh
		}
	}

	if p.Detail == DetailLow {
		return lowDetailImageTokens, nil
	}
	if w > 0 && h > 0 {
		return ImageTokens(w, h, p.Detail), nil
	}
	return ImageTokens(maxImageLongSide, maxImageShortSide, p.Detail), nil
}
