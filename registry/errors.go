package registry

import "errors"

// ErrClosed is returned (wrapped) when an operation cannot complete
// because the registry is closed or closing.
var ErrClosed = errors.New("registry: already closed")

// ErrAlreadyOpen is returned (wrapped) by Open when it is called while
// the registry is closing. Open called while already open or opening
// does not return it: it hands back a resolved or the in-flight future.
var ErrAlreadyOpen = errors.New("registry: already open")

// IsClosed reports whether err indicates the registry was closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
