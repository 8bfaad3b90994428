package resultsmock

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

var ErrInvalidContentRange = errors.New("invalid Content-Range")

// uploadable collects the ranges of a v1 cache entry
// until it is committed.
type uploadable struct {
	entry     *entry
	parts     map[int64][]byte
	finalized bool
	mtx       sync.Mutex
}

func newUploadable(entry *entry) *uploadable {
	return &uploadable{
		entry: entry,
		parts: map[int64][]byte{},
	}
}

func (uploadable *uploadable) appendPart(start int64, data []byte) error {
	uploadable.mtx.Lock()
	defer uploadable.mtx.Unlock()

	if uploadable.finalized {
		return fmt.Errorf("cannot append to a finalized uploadable")
	}

	uploadable.parts[start] = data

	return nil
}

// finalize concatenates the parts, which must be contiguous and start at zero.
func (uploadable *uploadable) finalize() ([]byte, error) {
	uploadable.mtx.Lock()
	defer uploadable.mtx.Unlock()

	if uploadable.finalized {
		return nil, fmt.Errorf("cannot finalize the uploadable twice")
	}

	starts := make([]int64, 0, len(uploadable.parts))
	for start := range uploadable.parts {
		starts = append(starts, start)
	}

	slices.SortFunc(starts, cmp.Compare[int64])

	var blob []byte

	for _, start := range starts {
		if start != int64(len(blob)) {
			return nil, fmt.Errorf("parts are not contiguous: expected offset %d, got %d", len(blob), start)
		}

		blob = append(blob, uploadable.parts[start]...)
	}

	uploadable.finalized = true

	return blob, nil
}

// parseContentRange parses "bytes <first>-<last>/<total or *>".
func parseContentRange(value string) (int64, int64, error) {
	byteRange, found := strings.CutPrefix(value, "bytes ")
	if !found {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, value)
	}

	byteRange, _, _ = strings.Cut(byteRange, "/")

	rawFirst, rawLast, found := strings.Cut(byteRange, "-")
	if !found {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, value)
	}

	first, err := strconv.ParseInt(strings.TrimSpace(rawFirst), 10, 64)
	if err != nil || first < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, value)
	}

	last, err := strconv.ParseInt(strings.TrimSpace(rawLast), 10, 64)
	if err != nil || last < first {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidContentRange, value)
	}

	return first, last - first + 1, nil
}
