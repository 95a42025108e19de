//go:build !darwin || !cgo

package coreaudio

import "fmt"

// NewHAL returns an error on platforms without CoreAudio. The MockHAL is
// still available for testing everywhere.
func NewHAL() (HAL, error) {
	return nil, fmt.Errorf("CoreAudio is not available on this platform")
}
