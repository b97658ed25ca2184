package stress

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/ValentinKolb/urcu/lib/rcu"
)

func newDomain(t *testing.T) *rcu.Domain {
	conf := rcu.DefaultConfig()
	conf.Name = t.Name()
	conf.Fence = fence.NewAtomic()
	conf.DrainInterval = time.Millisecond

	d, err := rcu.NewDomain(conf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}

func TestRunModes(t *testing.T) {
	for _, mode := range []string{modeSync, modeDefer, modeMixed} {
		t.Run(mode, func(t *testing.T) {
			d := newDomain(t)

			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()

			res := Run(ctx, d, Options{Readers: 3, Writers: 2, ReadWork: 8, WriterMode: mode})

			if res.Violations != 0 {
				t.Errorf("Detected %d violations", res.Violations)
			}
			if res.Updates == 0 {
				t.Error("Writers made no progress")
			}
			if len(res.Reads) != 3 {
				t.Fatalf("Expected 3 reader counts, got %d", len(res.Reads))
			}
			for i, n := range res.Reads {
				if n == 0 {
					t.Errorf("Reader %d made no progress", i)
				}
			}
			if d.Threads() != 0 {
				t.Errorf("Readers still registered after Run: %d", d.Threads())
			}
		})
	}
}

func TestCanary(t *testing.T) {
	c := newCanary(7)
	if !c.valid() {
		t.Fatal("New canary should be valid")
	}
	c.free()
	if c.valid() {
		t.Error("Freed canary should be invalid")
	}
}

func TestRunSeed(t *testing.T) {
	d := newDomain(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if res := Run(ctx, d, Options{Readers: 1, Writers: 1, ReadWork: 4, WriterMode: modeDefer, Seed: 7}); res.Seed != 7 {
		t.Errorf("Expected seed 7, got %d", res.Seed)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if res := Run(ctx, d, Options{Readers: 1, Writers: 1, WriterMode: modeSync}); res.Seed == 0 {
		t.Error("Expected a generated seed")
	}
}
