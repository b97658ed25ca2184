package rcu

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/cockroachdb/errors"
)

const (
	defaultName            = "default"
	defaultSpinIterations  = 64
	defaultPollInterval    = 10 * time.Microsecond
	defaultMaxPollInterval = time.Millisecond
	defaultStallWarnAfter  = 10 * time.Second
	defaultDrainInterval   = 10 * time.Millisecond
	defaultDrainBatchSize  = 1024
)

// Config configures a Domain. Use DefaultConfig and override single fields.
type Config struct {
	// Name labels the domain in logs and metric names
	Name string

	// Fence is issued once per grace-period pass (nil = fence.Detect())
	Fence fence.Fence

	// SpinIterations is the number of runtime.Gosched polls on a busy thread before sleeping
	SpinIterations int
	// PollInterval is the first sleep of the backoff loop, it doubles up to MaxPollInterval
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// StallWarnAfter is the period of the stall diagnostic while waiting for one thread (0 = disabled)
	StallWarnAfter time.Duration

	// DrainInterval is the wake-up period of the reclamation worker
	DrainInterval time.Duration
	// DrainBatchSize is the number of collected requests that triggers a drain before the next tick
	DrainBatchSize int

	// OnCallbackError receives the error of every failed release action (optional).
	// It runs on the reclamation worker and must not call Synchronize or Barrier.
	OnCallbackError func(err error)
}

// DefaultConfig returns the default Domain configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            defaultName,
		SpinIterations:  defaultSpinIterations,
		PollInterval:    defaultPollInterval,
		MaxPollInterval: defaultMaxPollInterval,
		StallWarnAfter:  defaultStallWarnAfter,
		DrainInterval:   defaultDrainInterval,
		DrainBatchSize:  defaultDrainBatchSize,
	}
}

// validate checks the configuration and fills in the fence
func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.SpinIterations < 0 {
		return errors.Newf("invalid spin iterations %d", c.SpinIterations)
	}
	if c.PollInterval <= 0 {
		return errors.Newf("invalid poll interval %s", c.PollInterval)
	}
	if c.MaxPollInterval < c.PollInterval {
		return errors.Newf("max poll interval %s is smaller than poll interval %s", c.MaxPollInterval, c.PollInterval)
	}
	if c.StallWarnAfter < 0 {
		return errors.Newf("invalid stall warning period %s", c.StallWarnAfter)
	}
	if c.DrainInterval <= 0 {
		return errors.Newf("invalid drain interval %s", c.DrainInterval)
	}
	if c.DrainBatchSize <= 0 {
		return errors.Newf("invalid drain batch size %d", c.DrainBatchSize)
	}
	if c.Fence == nil {
		c.Fence = fence.Detect()
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	fenceName := "auto"
	if c.Fence != nil {
		fenceName = c.Fence.Name()
	}

	addSection("RCU Domain")
	addField("Name", c.Name)
	addField("Fence", fenceName)

	addSection("Grace Period")
	addField("Spin Iterations", fmt.Sprintf("%d", c.SpinIterations))
	addField("Poll Interval", c.PollInterval.String())
	addField("Max Poll Interval", c.MaxPollInterval.String())
	if c.StallWarnAfter > 0 {
		addField("Stall Warning", c.StallWarnAfter.String())
	} else {
		addField("Stall Warning", "disabled")
	}

	addSection("Reclamation")
	addField("Drain Interval", c.DrainInterval.String())
	addField("Drain Batch Size", fmt.Sprintf("%d", c.DrainBatchSize))

	return sb.String()
}
