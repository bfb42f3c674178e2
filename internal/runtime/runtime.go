// Package runtime implements the utility functions to fetch runtime info of current host
package runtime

import (
	"fmt"
	"math"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscall.RLIM_INFINITY is int on most architectures but not all of them.
var unlimited uint64 = syscall.RLIM_INFINITY & math.MaxUint64

// Uname returns the uname of the host machine. An empty string is returned
// when the syscall fails.
func Uname() string {
	buf := unix.Utsname{}
	if err := unix.Uname(&buf); err != nil {
		return ""
	}

	fields := []string{
		unix.ByteSliceToString(buf.Sysname[:]),
		unix.ByteSliceToString(buf.Release[:]),
		unix.ByteSliceToString(buf.Version[:]),
		unix.ByteSliceToString(buf.Machine[:]),
		unix.ByteSliceToString(buf.Nodename[:]),
		unix.ByteSliceToString(buf.Domainname[:]),
	}

	return "(" + strings.Join(fields, " ") + ")"
}

func limitToString(v uint64) string {
	if v == unlimited {
		return "unlimited"
	}

	return fmt.Sprintf("%d", v)
}

// FdLimits returns the soft and hard limits for file descriptors.
func FdLimits() string {
	rlimit := syscall.Rlimit{}
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return "(unknown)"
	}

	return fmt.Sprintf("(soft=%s, hard=%s)", limitToString(rlimit.Cur), limitToString(rlimit.Max))
}
