//go:build linux || darwin

package arena

import (
	"golang.org/x/sys/unix"
)

// mmapThreshold is the smallest page mapped off-heap. Smaller pages would
// waste most of an OS page.
const mmapThreshold = 64 * 1024

// mapPage maps n bytes of anonymous, zeroed, private memory. The region is
// invisible to the garbage collector, so it must never hold Go pointers.
func mapPage(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func releasePage(b []byte) error {
	return unix.Munmap(b)
}
