package upload

import (
	"fmt"
	"io"
	"os"
)

// DefaultAlignment is the provider's fragment multiple (320 KiB). Fragments
// that are not a multiple of it fail to commit for some files.
const DefaultAlignment int64 = 327680

// Range is one fragment of a byte-range plan.
type Range struct {
	ContentLength int64
	Start         int64
	// Spec is the inclusive "start-end" string used in Content-Range.
	Spec string
}

// End is the inclusive last byte of the range.
func (r Range) End() int64 {
	return r.Start + r.ContentLength - 1
}

func newRange(start, length int64) Range {
	return Range{ContentLength: length, Start: start, Spec: fmt.Sprintf("%d-%d", start, start+length-1)}
}

// FragmentSize is the largest multiple of alignment not above maxFragment.
// When maxFragment is below one alignment unit it is used as is.
func FragmentSize(maxFragment, alignment int64) int64 {
	if alignment <= 0 {
		return maxFragment
	}
	if multiple := maxFragment / alignment; multiple > 0 {
		return multiple * alignment
	}
	return maxFragment
}

// Plan partitions [0, fileSize) into ascending, contiguous ranges of the
// fragment size followed by one shorter remainder if needed.
func Plan(fileSize, maxFragment, alignment int64) []Range {
	if fileSize <= 0 || maxFragment <= 0 {
		return nil
	}
	frag := FragmentSize(maxFragment, alignment)
	if frag > fileSize {
		frag = fileSize
	}

	full := fileSize / frag
	plan := make([]Range, 0, full+1)
	for i := int64(0); i < full; i++ {
		plan = append(plan, newRange(i*frag, frag))
	}
	if rest := fileSize - full*frag; rest > 0 {
		plan = append(plan, newRange(full*frag, rest))
	}
	return plan
}

// PlanFile stats path and plans it.
func PlanFile(path string, maxFragment, alignment int64) ([]Range, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return Plan(info.Size(), maxFragment, alignment), info.Size(), nil
}

// ReadRange reads exactly r.ContentLength bytes at r.Start from f.
func ReadRange(f io.ReaderAt, r Range) ([]byte, error) {
	buf := make([]byte, r.ContentLength)
	n, err := f.ReadAt(buf, r.Start)
	if err != nil && !(err == io.EOF && int64(n) == r.ContentLength) {
		return nil, fmt.Errorf("failed to read range %s: %w", r.Spec, err)
	}
	return buf, nil
}
