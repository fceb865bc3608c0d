//go:build unix

package volume

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, readOnly bool) ([]byte, error) {
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
