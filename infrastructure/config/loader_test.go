package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxInvocationDepth)
	assert.Equal(t, 3, cfg.MaxPermissionDepth)
	assert.Contains(t, cfg.DefaultBuckets, "compute")
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/kernel\nmax_invocation_depth: 7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/kernel", cfg.DataDir)
	assert.Equal(t, 7, cfg.MaxInvocationDepth)
}

func TestLoad_MissingFileIsNotFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_invocation_depth: 7\n"), 0o600))
	t.Setenv("KERNEL_MAX_INVOCATION_DEPTH", "9")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxInvocationDepth)
}

func TestValidate_RejectsNonPositiveDepth(t *testing.T) {
	cfg := defaults()
	cfg.MaxInvocationDepth = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyDataDir(t *testing.T) {
	cfg := defaults()
	cfg.DataDir = "  "
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveTimeout(t *testing.T) {
	cfg := defaults()
	cfg.CallTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("KERNEL_TEST_STR", "value")
	t.Setenv("KERNEL_TEST_BOOL", "yes")
	t.Setenv("KERNEL_TEST_INT", "42")

	assert.Equal(t, "value", GetEnv("KERNEL_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnv("KERNEL_TEST_MISSING", "fallback"))
	assert.True(t, GetEnvBool("KERNEL_TEST_BOOL", false))
	assert.Equal(t, 42, GetEnvInt("KERNEL_TEST_INT", 0))
}

func TestParseEnvDuration(t *testing.T) {
	t.Setenv("KERNEL_TEST_DURATION", "2s")
	v, ok := ParseEnvDuration("KERNEL_TEST_DURATION")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, v)

	_, ok = ParseEnvDuration("KERNEL_TEST_MISSING_DURATION")
	assert.False(t, ok)
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"1kb": 1024,
		"1mb": 1024 * 1024,
		"1gb": 1024 * 1024 * 1024,
		"512":  512,
	}
	for raw, want := range cases {
		got, err := ParseByteSize(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseByteSize("")
	assert.Error(t, err)

	_, err = ParseByteSize("-5mb")
	assert.Error(t, err)
}

func TestSplitAndTrimCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitAndTrimCSV(" a, b ,c,"))
	assert.Nil(t, SplitAndTrimCSV(""))
}
