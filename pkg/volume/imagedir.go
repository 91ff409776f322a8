package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// ErrInvalidImageID is returned for image IDs that are not plain file names.
var ErrInvalidImageID = errors.New("invalid image id")

// DirImageService stores images as raw files named <id>.raw in a directory.
type DirImageService struct {
	dir string
}

var _ ImageService = (*DirImageService)(nil)

// NewDirImageService returns an ImageService rooted at dir.
func NewDirImageService(dir string) *DirImageService {
	return &DirImageService{dir: dir}
}

// Path returns the file holding imageID.
func (s *DirImageService) Path(imageID string) (string, error) {
	if imageID == "" || imageID == "." || imageID == ".." || strings.ContainsAny(imageID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidImageID, imageID)
	}
	return filepath.Join(s.dir, imageID+".raw"), nil
}

// FetchToDevice copies the image file onto the device. An image larger than
// sizeBytes is refused.
func (s *DirImageService) FetchToDevice(ctx context.Context, imageID, devicePath string, sizeBytes int64) error {
	path, err := s.Path(imageID)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", imageID, err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image %s: %w", imageID, err)
	}
	if sizeBytes > 0 && fi.Size() > sizeBytes {
		return fmt.Errorf("image %s has %d bytes, volume only %d", imageID, fi.Size(), sizeBytes)
	}

	dst, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", devicePath, err)
	}

	n, err := io.Copy(dst, readerWithContext(ctx, src))
	if err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to write image %s to %s: %w", imageID, devicePath, err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to flush %s: %w", devicePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", devicePath, err)
	}
	klog.V(4).Infof("Wrote %d bytes of image %s to %s", n, imageID, devicePath)
	return nil
}

// UploadFromDevice copies sizeBytes of the device into the image file,
// replacing any previous image with the same ID.
func (s *DirImageService) UploadFromDevice(ctx context.Context, imageID, devicePath string, sizeBytes int64) error {
	path, err := s.Path(imageID)
	if err != nil {
		return err
	}
	src, err := os.Open(devicePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", devicePath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.dir, "."+imageID+".*")
	if err != nil {
		return fmt.Errorf("failed to create image %s: %w", imageID, err)
	}
	defer os.Remove(tmp.Name())

	var r io.Reader = readerWithContext(ctx, src)
	if sizeBytes > 0 {
		r = io.LimitReader(r, sizeBytes)
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to read %s into image %s: %w", devicePath, imageID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write image %s: %w", imageID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store image %s: %w", imageID, err)
	}
	klog.V(4).Infof("Stored %d bytes of %s as image %s", n, devicePath, imageID)
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
