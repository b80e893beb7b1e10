package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskStore writes photos under a local directory and refers to them by
// BaseURL + generated filename. The original filename survives only as the
// extension; collisions are impossible.
type DiskStore struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

func (d DiskStore) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(name))
	fname := uuid.New().String() + ext
	dst := filepath.Join(d.Dir, fname)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", fname, err)
	}
	src := r
	if d.MaxBytes > 0 {
		src = io.LimitReader(r, d.MaxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && d.MaxBytes > 0 && n > d.MaxBytes {
		err = fmt.Errorf("file %s exceeds %d bytes", name, d.MaxBytes)
	}
	if err != nil {
		os.Remove(dst)
		return "", err
	}
	return strings.TrimRight(d.BaseURL, "/") + "/" + fname, nil
}
