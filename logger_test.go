package relq

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_LevelsAndFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Debugf("hidden id=%s", "a")
	l.Infof("processed id=%s", "b")
	l.Errorf("ack failed id=%s", "c")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "processed id=b")
	require.Contains(t, out, "level=ERROR")
	require.Contains(t, out, "component=relq")
}

func TestSlogLogger_NilUsesDefault(t *testing.T) {
	require.NotNil(t, NewSlogLogger(nil))
}

// testLogger records formatted lines for assertions.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) add(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
}

func (l *testLogger) Debugf(format string, args ...any) { l.add("DEBUG", format, args...) }
func (l *testLogger) Infof(format string, args ...any)  { l.add("INFO", format, args...) }
func (l *testLogger) Warnf(format string, args ...any)  { l.add("WARN", format, args...) }
func (l *testLogger) Errorf(format string, args ...any) { l.add("ERROR", format, args...) }

func (l *testLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}

func (l *testLogger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}
