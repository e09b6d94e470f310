package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderIsSafeToUse(t *testing.T) {
	p := NewNoop()

	ctx, span := p.StartSpan(context.Background(), "unit-test")
	assert.NotNil(t, ctx)
	span.SetAttribute("key", "value")
	span.RecordError(errors.New("boom"))
	span.End()

	p.RecordTaskSubmitted(context.Background(), "generate_video", 1)
	p.RecordTaskCompleted(context.Background(), "generate_video", "completed")

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewRejectsEmptyServiceName(t *testing.T) {
	_, err := New("", "localhost:4318", nil)
	require.Error(t, err)
}
