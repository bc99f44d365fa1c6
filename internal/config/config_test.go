package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PARAM_PREFIX", "/market-chat/")
	t.Setenv("STATE_TABLE", "chat-state")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "/market-chat", cfg.ParamPrefix)
	require.Equal(t, StorageDynamoDB, cfg.Storage)
	require.Equal(t, 300, cfg.MaxQuestionLen)
	require.Equal(t, 3, cfg.FreeMessageLimit)
	require.Equal(t, 8*time.Second, cfg.CaptionTimeout)
	require.Equal(t, 3, cfg.PersistAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.PersistBackoff)
	require.Empty(t, cfg.RedisURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PARAM_PREFIX", "/p")
	t.Setenv("STORAGE", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("DB_MAX_CONNS", "4")
	t.Setenv("CAPTION_TIMEOUT", "2s")
	t.Setenv("PERSIST_BACKOFF", "bogus")
	t.Setenv("FREE_MESSAGE_LIMIT", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, StoragePostgres, cfg.Storage)
	require.Equal(t, int32(4), cfg.DB.MaxConns)
	require.Equal(t, 2*time.Second, cfg.CaptionTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.PersistBackoff)
	require.Equal(t, 5, cfg.FreeMessageLimit)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing prefix", env: map[string]string{"STATE_TABLE": "t"}, want: "PARAM_PREFIX"},
		{name: "missing table", env: map[string]string{"PARAM_PREFIX": "/p"}, want: "STATE_TABLE"},
		{name: "missing dsn", env: map[string]string{"PARAM_PREFIX": "/p", "STORAGE": "postgres"}, want: "DATABASE_URL"},
		{name: "unknown storage", env: map[string]string{"PARAM_PREFIX": "/p", "STORAGE": "mongo"}, want: "unknown STORAGE"},
		{name: "bad question length", env: map[string]string{"PARAM_PREFIX": "/p", "STATE_TABLE": "t", "MAX_QUESTION_LENGTH": "0"}, want: "MAX_QUESTION_LENGTH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("APP_ENV", "production")
			for _, k := range []string{"PARAM_PREFIX", "STATE_TABLE", "STORAGE", "DATABASE_URL", "MAX_QUESTION_LENGTH"} {
				t.Setenv(k, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_DevelopmentReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PARAM_PREFIX=/from-file\nSTATE_TABLE=file-table\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("APP_ENV", "")
	t.Setenv("PARAM_PREFIX", "")
	t.Setenv("STATE_TABLE", "")
	// godotenv does not override variables that are already set, even when empty.
	require.NoError(t, os.Unsetenv("PARAM_PREFIX"))
	require.NoError(t, os.Unsetenv("STATE_TABLE"))

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsDevelopment())
	require.Equal(t, "/from-file", cfg.ParamPrefix)
	require.Equal(t, "file-table", cfg.StateTable)
}
