package images

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/forrest-ci/forrest/ferrors"
)

// reflink performs a copy-on-write clone of src into dst via the FICLONE
// ioctl (btrfs, xfs with reflink=1). dst must not already exist.
func reflink(src, dst string) error {
	srcFile, err := os.Open(src) //nolint:gosec // operator-supplied / internal image path
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer srcFile.Close() //nolint:errcheck

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer dstFile.Close() //nolint:errcheck

	if err := unix.IoctlFileClone(int(dstFile.Fd()), int(srcFile.Fd())); err != nil {
		_ = os.Remove(dst)
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%w: %v", ferrors.ErrReflinkUnsupported, err)
		}
		return fmt.Errorf("reflink %s -> %s: %w", src, dst, err)
	}
	return dstFile.Close()
}

// ProbeReflink verifies that baseDir's filesystem supports FICLONE clones.
// Called once at daemon startup so ReflinkUnsupported surfaces as a fatal
// startup error rather than at the first scheduled run.
func ProbeReflink(baseDir string) error {
	src := filepath.Join(baseDir, ".reflink-probe-src")
	dst := filepath.Join(baseDir, ".reflink-probe-dst")
	defer os.Remove(src) //nolint:errcheck
	defer os.Remove(dst) //nolint:errcheck

	if err := os.WriteFile(src, []byte("reflink probe"), 0o600); err != nil {
		return fmt.Errorf("reflink probe: write %s: %w", src, err)
	}
	_ = os.Remove(dst)
	if err := reflink(src, dst); err != nil {
		return err
	}
	return nil
}
