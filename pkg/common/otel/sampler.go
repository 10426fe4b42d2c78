package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder drops spans for excluded routes and samples the rest at a
// fixed ratio. Health probes would otherwise dominate the trace volume.
type endpointExcluder struct {
	endpoints map[string]struct{}
	ratio     sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints: endpoints,
		ratio:     sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (ee endpointExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if _, ok := ee.endpoints[p.Name]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return ee.ratio.ShouldSample(p)
}

// Description implements the sdktrace.Sampler interface.
func (ee endpointExcluder) Description() string { return "endpointExcluder" }
