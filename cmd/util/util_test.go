package util

import (
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/urcu/lib/fence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 40)
	for _, line := range strings.Split(WrapString(text), "\n") {
		if len(line) > Wrap {
			t.Errorf("Line exceeds %d characters: %q", Wrap, line)
		}
	}

	if got := WrapString("  short   text "); got != "short text" {
		t.Errorf("Expected %q, got %q", "short text", got)
	}
	if got := WrapString(""); got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
}

func TestGetDomainConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupDomainFlags(cmd)
	if err := cmd.ParseFlags([]string{"--fence", "atomic", "--drain-batch", "7", "--poll-interval", "20us"}); err != nil {
		t.Fatal(err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		t.Fatal(err)
	}

	conf, err := GetDomainConfig("stress")
	if err != nil {
		t.Fatal(err)
	}
	if conf.Name != "stress" {
		t.Errorf("Expected name stress, got %q", conf.Name)
	}
	if conf.Fence.Name() != fence.NameAtomic {
		t.Errorf("Expected atomic fence, got %s", conf.Fence.Name())
	}
	if conf.DrainBatchSize != 7 {
		t.Errorf("Expected drain batch 7, got %d", conf.DrainBatchSize)
	}
	if conf.PollInterval != 20*time.Microsecond {
		t.Errorf("Expected poll interval 20us, got %s", conf.PollInterval)
	}
}

func TestGetDomainConfigInvalidFence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("fence", "bogus")
	if _, err := GetDomainConfig("x"); err == nil {
		t.Error("Expected error for an invalid fence")
	}
}
