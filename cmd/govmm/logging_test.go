package main

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLogfGatesOnLevel(t *testing.T) {
	var buf bytes.Buffer

	origLogger, origLevel := logger, logLevel
	defer func() { logger, logLevel = origLogger, origLevel }()

	logger = log.New(&buf, "", 0)
	logLevel = 1

	logf(2, "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("logf at level above logLevel wrote %q, want nothing", buf.String())
	}

	logf(1, "should appear: %d", 42)
	if !strings.Contains(buf.String(), "should appear: 42") {
		t.Fatalf("logf at level <= logLevel wrote %q, missing message", buf.String())
	}
}
