//go:build !linux && !darwin

package arena

// On unsupported platforms every page stays on the Go heap.
const mmapThreshold = int(^uint(0) >> 1)

func mapPage(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func releasePage([]byte) error {
	return nil
}
