package observability

import "time"

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration, labels map[string]string)

	// IncrementCounter increments a counter by value without labels
	IncrementCounter(name string, value float64)

	Close() error
}

// NoopMetricsClient is a metrics client that discards everything
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// RecordCounter implements MetricsClient.RecordCounter
func (c *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient.RecordGauge
func (c *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient.RecordHistogram
func (c *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordDuration implements MetricsClient.RecordDuration
func (c *NoopMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
}

// IncrementCounter implements MetricsClient.IncrementCounter
func (c *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// Close implements MetricsClient.Close
func (c *NoopMetricsClient) Close() error { return nil }
