package fence

import (
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("fence")

// ErrUnsupported is returned when a fence flavor is not available on the running platform.
var ErrUnsupported = errors.New("fence: not supported on this platform")

// Names accepted by ByName
const (
	NameAuto       = "auto"
	NameMembarrier = "membarrier"
	NameAtomic     = "atomic"
)

// Fence forces all running threads of the process to observe a full memory barrier.
type Fence interface {
	// Fence issues the barrier. It blocks until every running thread has crossed it.
	Fence() error

	// Name returns a short identifier of the implementation (used in logs and metrics)
	Name() string
}

// --------------------------------------------------------------------------
// Atomic fallback
// --------------------------------------------------------------------------

type atomicFence struct {
	word atomic.Uint64
}

// NewAtomic returns the portable fallback fence.
func NewAtomic() Fence {
	return &atomicFence{}
}

// Fence performs a sequentially consistent read-modify-write. Every other
// sequentially consistent access in the process is ordered before or after it.
func (f *atomicFence) Fence() error {
	f.word.Add(1)
	return nil
}

func (f *atomicFence) Name() string {
	return NameAtomic
}

// --------------------------------------------------------------------------
// Selection
// --------------------------------------------------------------------------

// Detect returns the strongest fence available, falling back to NewAtomic.
func Detect() Fence {
	f, err := NewMembarrier()
	if err != nil {
		log.Infof("membarrier unavailable (%v), using %s fence", err, NameAtomic)
		return NewAtomic()
	}
	log.Debugf("using %s fence", f.Name())
	return f
}

// ByName returns the fence with the given name (auto, membarrier, atomic).
func ByName(name string) (Fence, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameAuto, "":
		return Detect(), nil
	case NameMembarrier:
		return NewMembarrier()
	case NameAtomic:
		return NewAtomic(), nil
	default:
		return nil, errors.Newf("invalid fence %q (expected one of: %s, %s, %s)", name, NameAuto, NameMembarrier, NameAtomic)
	}
}
