package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithBatchID(context.Background(), "b-1")

	tl.Info(ctx, "batch queued", zap.Int("files", 3), zap.String("owner", "u-1"))
	tl.Warn(ctx, "fallback used")

	tl.AssertLogged(t, zapcore.InfoLevel, "batch queued")
	tl.AssertLogged(t, zapcore.WarnLevel, "fallback")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "batch queued")
	tl.AssertField(t, "batch queued", "files", 3)
	tl.AssertField(t, "batch queued", "owner", "u-1")
	tl.AssertField(t, "batch queued", "batch.id", "b-1")
	assert.Len(t, tl.All(), 2)

	tl.Reset()
	assert.Empty(t, tl.All())
}
