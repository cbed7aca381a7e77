package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"console format", func(c *Config) { c.Format = "console" }, false},
		{"bad format", func(c *Config) { c.Format = "logfmt" }, true},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }, true},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRepository(ctx, "acme/widgets")
	ctx = WithWorker(ctx, "detector")
	ctx = WithRunID(ctx, "run-1")

	fields := ContextFields(ctx)
	assert.Len(t, fields, 3)
	assert.Equal(t, "acme/widgets", RepositoryFromContext(ctx))
	assert.Equal(t, "detector", WorkerFromContext(ctx))
	assert.Equal(t, "run-1", RunIDFromContext(ctx))
}

func TestLogger_ChildLoggers(t *testing.T) {
	logger := NewNop()

	child := logger.Named("detector").With()
	require.NotNil(t, child)

	// Child loggers share config but not identity.
	assert.NotSame(t, logger, child)
	assert.NoError(t, child.Sync())
}
