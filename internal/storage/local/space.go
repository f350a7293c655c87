package local

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var ErrInsufficientSpace = errors.New("insufficient disk space")

// ErrSpaceUnknown is returned by FreeSpace on platforms without a query.
var ErrSpaceUnknown = errors.New("free disk space cannot be determined")

// CheckSpace fails with ErrInsufficientSpace when dir has less than need
// bytes available. An unknown amount of free space is not an error.
func CheckSpace(dir string, need uint64) error {
	free, err := FreeSpace(dir)
	if errors.Is(err, ErrSpaceUnknown) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("querying free space of %s: %w", dir, err)
	}
	if free < need {
		return fmt.Errorf("%w in %s: %s required, %s available", ErrInsufficientSpace, dir,
			humanize.IBytes(need), humanize.IBytes(free))
	}
	return nil
}
