//go:build linux

package fence

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// membarrier(2) commands, see include/uapi/linux/membarrier.h
const (
	cmdQuery                    = 0
	cmdGlobal                   = 1 << 0
	cmdPrivateExpedited         = 1 << 3
	cmdRegisterPrivateExpedited = 1 << 4
)

type membarrierFence struct {
	cmd  int
	name string
}

var (
	registerOnce sync.Once
	registerErr  error
)

func membarrier(cmd int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, uintptr(cmd), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// NewMembarrier returns a fence backed by membarrier(2).
// The private expedited command is preferred; registration happens once per process.
func NewMembarrier() (Fence, error) {
	supported, err := membarrier(cmdQuery)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupported, err.Error())
	}

	if supported&cmdPrivateExpedited != 0 && supported&cmdRegisterPrivateExpedited != 0 {
		registerOnce.Do(func() {
			_, registerErr = membarrier(cmdRegisterPrivateExpedited)
		})
		if registerErr == nil {
			return &membarrierFence{cmd: cmdPrivateExpedited, name: NameMembarrier + "-private-expedited"}, nil
		}
		log.Warningf("membarrier private expedited registration failed: %v", registerErr)
	}

	if supported&cmdGlobal != 0 {
		return &membarrierFence{cmd: cmdGlobal, name: NameMembarrier + "-global"}, nil
	}

	return nil, errors.Wrapf(ErrUnsupported, "membarrier commands 0x%x", supported)
}

func (f *membarrierFence) Fence() error {
	if _, err := membarrier(f.cmd); err != nil {
		return errors.Wrapf(err, "%s", f.name)
	}
	return nil
}

func (f *membarrierFence) Name() string {
	return f.name
}
