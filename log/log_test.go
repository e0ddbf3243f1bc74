package log

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const tsRegex = `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{0,9}Z`

func TestLoggerLogfmt(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtLogfmt, LevelDebug)
	require.NoError(t, err)

	l.Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`level=debug ts=`+tsRegex+` caller=log_test\.go:\d{1,4} module=log-test msg="a statement"`),
		b.String())
}

func TestLoggerJSON(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	l.Info("a statement", "batch", 7)
	require.Regexp(t, regexp.MustCompile(
		`{"batch":7,"caller":"log_test\.go:\d{1,4}","level":"info","module":"log-test","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestLoggerInvalid(t *testing.T) {
	var b bytes.Buffer
	_, err := NewLogger("log-test", &b, Format(255), LevelDebug)
	require.Error(t, err)
}

func TestWithAndWithModule(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("log-test", &b, FmtJSON, LevelDebug)
	require.NoError(t, err)

	l.With("height", 8000000).WithModule("pipeline").Warn("a statement")
	out := b.String()
	require.Contains(t, out, `"height":8000000`)
	require.Contains(t, out, `"module":"pipeline"`)
	require.Contains(t, out, `"level":"warn"`)
}

func TestLevelFiltering(t *testing.T) {
	for _, tc := range []struct {
		configured Level
		emit       func(l *Logger)
		logged     bool
	}{
		{LevelInfo, func(l *Logger) { l.Debug("x") }, false},
		{LevelDebug, func(l *Logger) { l.Debug("x") }, true},
		{LevelWarn, func(l *Logger) { l.Info("x") }, false},
		{LevelError, func(l *Logger) { l.Warn("x") }, false},
		{LevelError, func(l *Logger) { l.Error("x") }, true},
	} {
		var b bytes.Buffer
		l, err := NewLogger("log-test", &b, FmtJSON, tc.configured)
		require.NoError(t, err)
		tc.emit(l)
		require.Equal(t, tc.logged, b.Len() != 0)
	}
}

func TestDiscardLogger(t *testing.T) {
	l := NewDiscardLogger()
	require.NotPanics(t, func() { l.With("k", "v").Error("dropped") })
}

func TestLevel(t *testing.T) {
	var lvl Level
	ls := lvl.Type()

	for _, l := range strings.Split(ls[1:len(ls)-1], ",") {
		require.NoError(t, lvl.Set(strings.ToLower(l)))
		require.Equal(t, l, lvl.String())
	}
	require.Error(t, lvl.Set("invalid"))

	lvl = Level(255)
	require.Panics(t, func() { _ = lvl.String() })
}

func TestFormat(t *testing.T) {
	var fmt Format
	fs := fmt.Type()

	for _, f := range strings.Split(fs[1:len(fs)-1], ",") {
		require.NoError(t, fmt.Set(f))
		require.Equal(t, f, fmt.String())
	}
	require.Error(t, fmt.Set("invalid"))

	fmt = Format(255)
	require.Panics(t, func() { _ = fmt.String() })
}
