//go:build linux || darwin

package deliver

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// errInjectUnsupported marks kernels or devices that refuse TIOCSTI.
var errInjectUnsupported = errors.New("terminal input injection unsupported")

// injectBytes pushes b into the terminal's input queue one byte at a time.
func injectBytes(fd uintptr, b []byte) error {
	for i := range b {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(unix.TIOCSTI), uintptr(unsafe.Pointer(&b[i])))
		if errno == 0 {
			continue
		}
		switch errno {
		case unix.EPERM, unix.EIO, unix.EINVAL, unix.ENOTTY:
			return errInjectUnsupported
		default:
			return errno
		}
	}
	return nil
}
