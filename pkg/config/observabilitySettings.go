package config

// Observability configures OTLP export. Tracing and metrics are each off when their URL is empty.
type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url"`
	MetricsURL  string `mapstructure:"metrics_url"`
}
