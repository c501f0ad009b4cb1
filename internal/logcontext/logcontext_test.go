package logcontext

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCtx_DoesNotMutateParent(t *testing.T) {
	parent := AppendCtx(context.Background(), slog.String("requestId", "r1"))
	child := AppendCtx(parent, slog.String("eventId", "evt_1"))

	assert.Len(t, Attrs(parent), 1)
	assert.Len(t, Attrs(child), 2)
	assert.Empty(t, Attrs(context.Background()))
}

func TestContextHandler_AddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := AppendCtx(context.Background(), slog.String("eventId", "evt_1"))
	logger.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "evt_1", record["eventId"])
	assert.Equal(t, "hello", record["msg"])
}
