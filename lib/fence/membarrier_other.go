//go:build !linux

package fence

// NewMembarrier always fails outside of Linux.
func NewMembarrier() (Fence, error) {
	return nil, ErrUnsupported
}
