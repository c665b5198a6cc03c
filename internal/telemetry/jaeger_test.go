package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func sample(s sdktrace.Sampler, id trace.TraceID) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: id, Name: "test"}).Decision
}

func TestSampler(t *testing.T) {
	id := trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1}

	assert.Equal(t, sdktrace.RecordAndSample, sample(Sampler(1), id))
	assert.Equal(t, sdktrace.RecordAndSample, sample(Sampler(2), id))
	assert.Equal(t, sdktrace.Drop, sample(Sampler(0), id))
	assert.Equal(t, sdktrace.Drop, sample(Sampler(-1), id))
	assert.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased")
}

func TestClampRatio(t *testing.T) {
	assert.Equal(t, 0.0, clampRatio(-0.5))
	assert.Equal(t, 0.25, clampRatio(0.25))
	assert.Equal(t, 1.0, clampRatio(3))
}
