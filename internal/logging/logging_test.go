package logging

import (
	"bytes"
	"flag"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevelAcceptsKnownValues(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("verbose")
	require.Error(t, err)
}

func TestParseFormatAcceptsKnownValues(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestEnableCategoryAllEnablesEveryCategory(t *testing.T) {
	cfg := NewConfig()
	cfg.EnableCategory(CategoryAll)

	for _, cat := range []Category{CategoryRTP, CategoryNAL, CategoryReactor, CategoryRTSP, CategorySink} {
		require.True(t, cfg.isCategoryEnabled(cat))
	}
}

func TestDebugHelpersAreGatedByCategory(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfig()
	cfg.Level = LevelDebug
	cfg.EnableCategory(CategoryRTP)

	l := &Logger{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), cfg: cfg}

	l.DebugRTP("packet received", "seq", 42)
	require.Contains(t, buf.String(), "packet received")

	buf.Reset()
	l.DebugNAL("nal unit", "type", 7)
	require.Empty(t, buf.String())
}

func TestFlagsToConfigEnablesDebugLevelWhenCategorySet(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-debug-sink"}))

	cfg, err := f.ToConfig()
	require.NoError(t, err)
	require.Equal(t, LevelDebug, cfg.Level)
	require.True(t, cfg.isCategoryEnabled(CategorySink))
	require.False(t, cfg.isCategoryEnabled(CategoryRTP))
}

func TestFlagsToConfigDebugAllEnablesEveryCategory(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-debug-all"}))

	cfg, err := f.ToConfig()
	require.NoError(t, err)
	require.True(t, cfg.isCategoryEnabled(CategoryRTSP))
	require.True(t, cfg.isCategoryEnabled(CategorySink))
}

func TestNewWritesJSONWhenFormatIsJSON(t *testing.T) {
	cfg := NewConfig()
	cfg.Format = FormatJSON

	l, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, l.Logger)
	require.Nil(t, l.file)
	split, ok := l.Logger.Handler().(*levelSplitHandler)
	require.True(t, ok)
	require.IsType(t, &slog.JSONHandler{}, split.below)
	require.IsType(t, &slog.JSONHandler{}, split.atOrAbove)
}

func TestLevelSplitHandlerRoutesErrorAndAboveToTheUpperHandler(t *testing.T) {
	var lower, upper bytes.Buffer
	h := &levelSplitHandler{
		below:     slog.NewTextHandler(&lower, &slog.HandlerOptions{Level: slog.LevelDebug}),
		atOrAbove: slog.NewTextHandler(&upper, &slog.HandlerOptions{Level: slog.LevelDebug}),
		threshold: slog.LevelError,
	}
	l := slog.New(h)

	l.Warn("a warning")
	require.Contains(t, lower.String(), "a warning")
	require.Empty(t, upper.String())

	lower.Reset()
	l.Error("an error")
	require.Empty(t, lower.String())
	require.Contains(t, upper.String(), "an error")
}
