//go:build !(linux || darwin)

package deliver

import "errors"

var errInjectUnsupported = errors.New("terminal input injection unsupported")

func injectBytes(uintptr, []byte) error {
	return errInjectUnsupported
}
