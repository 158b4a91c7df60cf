package imaging

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // recognised so it can be refused by name
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/telemetry"
)

// Config holds the acceptance rules.
type Config struct {
	MinWidth  int
	MinHeight int
	MaxBytes  int64
	// MaxPixels caps width*height before any full decode. Zero disables it.
	MaxPixels      int64
	Quality        int
	AllowedFormats []string
}

// Result describes an accepted image.
type Result struct {
	Path      string `json:"path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Size      int64  `json:"size"`
	Reencoded bool   `json:"reencoded"`
}

// Validator enforces minimum dimensions and maximum size and normalises
// accepted images to JPEG in place.
type Validator struct {
	cfg     Config
	allowed []string
	tel     *telemetry.Telemetry
}

// NewValidator returns a Validator for cfg.
func NewValidator(cfg Config, tel *telemetry.Telemetry) *Validator {
	allowed := make([]string, 0, len(cfg.AllowedFormats))
	for _, f := range cfg.AllowedFormats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "jpg" {
			f = "jpeg"
		}

		allowed = append(allowed, f)
	}

	return &Validator{cfg: cfg, allowed: allowed, tel: tel}
}

// Validate checks the file at path. A JPEG within bounds is left untouched,
// so validating the same file twice is a no-op. Anything else that passes
// the dimension check is re-encoded to JPEG at the configured quality.
// The caller owns path and discards it when an error is returned.
func (v *Validator) Validate(ctx context.Context, path string) (Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("path", path)

	res, err := v.validate(ctx, path)
	if err != nil {
		v.tel.RecordValidation("rejected")
		logger.WarnContext(ctx, "image rejected", "err", err)

		return Result{}, err
	}

	if res.Reencoded {
		v.tel.RecordValidation("recompressed")
	} else {
		v.tel.RecordValidation("accepted")
	}

	return res, nil
}

func (v *Validator) validate(ctx context.Context, path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, &ValidationError{Path: path, Reason: ReasonUnreadable, Err: err}
	}

	cfg, format, err := decodeConfig(path)
	if err != nil {
		return Result{}, &ValidationError{Path: path, Reason: ReasonUnreadable, Err: err}
	}

	if !slices.Contains(v.allowed, format) {
		return Result{}, &ValidationError{
			Path:   path,
			Reason: ReasonFormatNotAllowed,
			Err:    fmt.Errorf("format %q", format),
		}
	}

	if cfg.Width < v.cfg.MinWidth || cfg.Height < v.cfg.MinHeight {
		return Result{}, &ValidationError{
			Path:   path,
			Reason: ReasonTooSmall,
			Err:    fmt.Errorf("%dx%d below %dx%d", cfg.Width, cfg.Height, v.cfg.MinWidth, v.cfg.MinHeight),
		}
	}

	if pixels := int64(cfg.Width) * int64(cfg.Height); v.cfg.MaxPixels > 0 && pixels > v.cfg.MaxPixels {
		return Result{}, &ValidationError{
			Path:   path,
			Reason: ReasonTooLarge,
			Err:    fmt.Errorf("%dx%d exceeds %s pixels", cfg.Width, cfg.Height, humanize.Comma(v.cfg.MaxPixels)),
		}
	}

	// A readable header says nothing about the pixel data behind it.
	img, err := decodeFile(path)
	if err != nil {
		return Result{}, &ValidationError{Path: path, Reason: ReasonUnreadable, Err: err}
	}

	res := Result{
		Path:   path,
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
		Size:   info.Size(),
	}

	if format == "jpeg" && res.Size <= v.cfg.MaxBytes {
		return res, nil
	}

	size, err := v.reencode(path, img)
	if err != nil {
		return Result{}, &ValidationError{Path: path, Reason: ReasonReencodeFailed, Err: err}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "re-encoded image",
		"path", path,
		"source_format", format,
		"before", humanize.Bytes(uint64(res.Size)),
		"after", humanize.Bytes(uint64(size)),
	)

	if size > v.cfg.MaxBytes {
		return Result{}, &ValidationError{
			Path:   path,
			Reason: ReasonTooLarge,
			Err:    fmt.Errorf("%s exceeds %s after re-encoding", humanize.Bytes(uint64(size)), humanize.Bytes(uint64(v.cfg.MaxBytes))),
		}
	}

	res.Format = "jpeg"
	res.Size = size
	res.Reencoded = true

	return res, nil
}

// reencode writes img as a JPEG through a temp file in the same directory
// and renames it over path. It returns the new size.
func (v *Validator) reencode(path string, img image.Image) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".reencode-*")
	if err != nil {
		return 0, err
	}

	tmpName := tmp.Name()

	if err := jpeg.Encode(tmp, flatten(img), &jpeg.Options{Quality: v.cfg.Quality}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return 0, fmt.Errorf("failed to encode: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return 0, err
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)

		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func decodeConfig(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer f.Close()

	return image.DecodeConfig(f)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	return img, nil
}

// flatten composites images with an alpha channel onto white, since JPEG
// has no transparency.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}

	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)

	return dst
}
