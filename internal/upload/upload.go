package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"golang.org/x/sync/errgroup"

	"parley/internal/models"
)

var ErrNotImage = errors.New("not an image")

// MaxFileSize caps a single uploaded image.
const MaxFileSize = 10 << 20

// Backend stores one file and returns the URL it is served from.
type Backend interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

type Uploader struct {
	backend Backend
	// concurrent uploads per batch
	limit int
}

func New(backend Backend) *Uploader {
	return &Uploader{backend: backend, limit: models.MaxImagesPerMessage}
}

// UploadImages uploads 1 to 5 image files concurrently. URLs come back in
// the order of paths; the first failure cancels the rest.
func (u *Uploader) UploadImages(ctx context.Context, paths []string) ([]string, error) {
	switch {
	case len(paths) == 0:
		return nil, models.ErrNoImages
	case len(paths) > models.MaxImagesPerMessage:
		return nil, models.ErrTooManyImages
	}

	files := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := readImage(p)
		if err != nil {
			return nil, err
		}
		files[i] = data
	}

	urls := make([]string, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(u.limit)
	for i := range paths {
		g.Go(func() error {
			url, err := u.backend.Upload(gCtx, filepath.Base(paths[i]), bytes.NewReader(files[i]))
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func readImage(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s: file too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !filetype.IsImage(data) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotImage)
	}
	return data, nil
}
