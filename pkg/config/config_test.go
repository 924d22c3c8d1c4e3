package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TWIN_TEST_STRING", "  value  ")
	assert.Equal(t, "value", GetEnv("TWIN_TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", GetEnv("TWIN_TEST_UNSET", "fallback"))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TWIN_TEST_BOOL", "yes")
	assert.True(t, GetEnvBool("TWIN_TEST_BOOL", false))
	t.Setenv("TWIN_TEST_BOOL", "0")
	assert.False(t, GetEnvBool("TWIN_TEST_BOOL", true))
	assert.True(t, GetEnvBool("TWIN_TEST_BOOL_UNSET", true))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TWIN_TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("TWIN_TEST_INT", 1))
	t.Setenv("TWIN_TEST_INT", "garbage")
	assert.Equal(t, 1, GetEnvInt("TWIN_TEST_INT", 1))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TWIN_TEST_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("TWIN_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("TWIN_TEST_DUR_UNSET", time.Second))
}

func TestGetEnvCSV(t *testing.T) {
	t.Setenv("TWIN_TEST_CSV", "a, b ,,c")
	assert.Equal(t, []string{"a", "b", "c"}, GetEnvCSV("TWIN_TEST_CSV"))
	assert.Nil(t, GetEnvCSV("TWIN_TEST_CSV_UNSET"))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 250*time.Millisecond, cfg.WakerInterval)
	assert.Equal(t, "events", cfg.EventsStream)
	assert.Equal(t, 4, cfg.Partitions)
	assert.True(t, cfg.MigrateOnStart)
}
