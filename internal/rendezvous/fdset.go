package rendezvous

import "golang.org/x/sys/unix"

// fdZero/fdSet/fdIsSet implement the FD_ZERO/FD_SET/FD_ISSET macros that
// golang.org/x/sys/unix deliberately omits, assuming the 64-bit-word
// unix.FdSet layout used on linux/amd64 and linux/arm64.
const bitsPerWord = 64

func fdZero(set *unix.FdSet) {
	for i := range set.Bits {
		set.Bits[i] = 0
	}
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/bitsPerWord] |= 1 << (uint(fd) % bitsPerWord)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/bitsPerWord]&(1<<(uint(fd)%bitsPerWord)) != 0
}
