package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// checksumPath hashes a model artifact. Plain files hash their bytes
// directly. Directory artifacts hash the sorted concatenation of their
// per-file checksums, so the result is independent of walk order and stable
// across filesystems.
func checksumPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, "stat artifact")
	}
	if !info.IsDir() {
		return checksumFile(path)
	}

	var sums []string
	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		sum, err := checksumFile(p)
		if err != nil {
			return err
		}
		sums = append(sums, sum)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walk artifact dir")
	}

	sort.Strings(sums)
	agg := sha256.Sum256([]byte(strings.Join(sums, "")))
	return hex.EncodeToString(agg[:]), nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open artifact file")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash artifact file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// artifactSize returns the total byte size of a file or directory artifact.
func artifactSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "stat artifact")
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, errors.Wrap(err, "walk artifact dir")
}

// copyArtifact copies a file or directory tree into dst.
func copyArtifact(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, "stat source artifact")
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return errors.Wrap(err, "create artifact dir")
		}
		return copyOneFile(src, dst, info.Mode())
	}

	return filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyOneFile(p, target, fi.Mode())
	})
}

func copyOneFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "create target file")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "copy artifact bytes")
	}
	return errors.Wrap(out.Sync(), "sync target file")
}
