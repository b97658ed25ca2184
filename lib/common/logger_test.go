package common

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		" error ": logger.ERROR,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &rcuLogger{
		name:   "rcu",
		level:  logger.WARNING,
		logger: log.New(&buf, "", 0),
	}

	l.Infof("hidden %d", 1)
	l.Warningf("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info line should be filtered at warning level: %q", out)
	}
	if !strings.Contains(out, "WARN  | rcu    | shown 2") {
		t.Errorf("Unexpected log format: %q", out)
	}

	l.SetLevel(logger.DEBUG)
	l.Debugf("now visible")
	if !strings.Contains(buf.String(), "DEBUG | rcu    | now visible") {
		t.Errorf("Debug line missing after SetLevel: %q", buf.String())
	}
}

func TestInitLoggers(t *testing.T) {
	if err := InitLoggers("nope"); err == nil {
		t.Error("Expected error for invalid level")
	}
	if err := InitLoggers("error"); err != nil {
		t.Fatalf("InitLoggers failed: %v", err)
	}

	// every command binds its flags again
	if err := InitLoggers("debug"); err != nil {
		t.Fatalf("Second InitLoggers failed: %v", err)
	}
	if err := InitLoggers("info"); err != nil {
		t.Fatalf("Third InitLoggers failed: %v", err)
	}
}
