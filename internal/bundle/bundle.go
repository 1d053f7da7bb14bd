// Package bundle packs encrypted chunks into numbered tar.gz files and
// unpacks them again.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// MaxBundles is the bundle count the name padding is sized for.
const MaxBundles = 1000

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("bundle: unsafe archive entry")

// LeadingZeros returns the zeros needed to pad number (counted from 1) to the
// width of maxNumber, treating exact powers of ten as one digit wider.
func LeadingZeros(number, maxNumber int) string {
	width := func(n int) int { return int(math.Ceil(math.Log10(float64(n) + 0.1))) }
	if n := width(maxNumber) - width(number); n > 0 {
		return strings.Repeat("0", n)
	}
	return ""
}

// Name builds the padded file name for item i of maxNumber.
func Name(i, maxNumber int, suffix string) string {
	return LeadingZeros(i, maxNumber) + strconv.Itoa(i) + suffix
}

// FileGroups splits the sorted entries of dir into groups of at most size.
func FileGroups(dir string, size int) ([][]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid group size %d", size)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var groups [][]string
	for len(names) > 0 {
		n := size
		if n > len(names) {
			n = len(names)
		}
		groups = append(groups, names[:n:n])
		names = names[n:]
	}
	return groups, nil
}

// Make archives the files in dir into outDir as NNNN_<baseName> tar.gz files
// of at most maxItems entries each.
func Make(dir, outDir string, maxItems int, baseName string, removeOriginals bool, log logrus.FieldLogger) ([]string, error) {
	groups, err := FileGroups(dir, maxItems)
	if err != nil {
		return nil, err
	}
	if len(groups) > MaxBundles {
		return nil, fmt.Errorf("%d bundles exceed the limit of %d", len(groups), MaxBundles)
	}

	var made []string
	for i, files := range groups {
		name := Name(i+1, MaxBundles, "_"+baseName)
		path := filepath.Join(outDir, name)
		log.WithField("file", name).Info("Creating bundle")
		if err := writeBundle(path, dir, files); err != nil {
			return made, err
		}
		if removeOriginals {
			for _, f := range files {
				if err := os.Remove(filepath.Join(dir, f)); err != nil {
					return made, fmt.Errorf("failed to remove %s: %w", f, err)
				}
			}
		}
		made = append(made, path)
	}
	return made, nil
}

func writeBundle(path, dir string, files []string) (err error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create bundle: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, name := range files {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	return nil
}

// Extract unpacks a bundle into outDir, removing it afterwards unless keep.
func Extract(path, outDir string, keep bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := extractEntry(tr, hdr, outDir); err != nil {
			return err
		}
	}

	if !keep {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, outDir string) error {
	target := filepath.Join(outDir, hdr.Name)
	rel, err := filepath.Rel(outDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(hdr.Name) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		return out.Close()
	default:
		return fmt.Errorf("%w: %s has type %c", ErrUnsafePath, hdr.Name, hdr.Typeflag)
	}
}
