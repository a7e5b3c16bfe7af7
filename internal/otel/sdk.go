// Package otel exports treewatch metrics over OTLP/HTTP.
package otel

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"

	"treewatch/internal/metrics"
)

const (
	defaultServiceName  = "treewatch"
	defaultHTTPEndpoint = "127.0.0.1:4318"
	defaultInterval     = 30 * time.Second
	meterName           = "treewatch"
)

// SDKOptions configures the OTLP metric exporter and resource.
type SDKOptions struct {
	Enabled            bool
	HTTPEndpoint       string
	ServiceName        string
	ServiceVersion     string
	ResourceAttributes map[string]string
	Interval           time.Duration
}

// SDKOptionsFromEnv reads TREEWATCH_OTEL_* variables. A nil getenv means
// os.Getenv.
func SDKOptionsFromEnv(getenv func(string) string) SDKOptions {
	if getenv == nil {
		getenv = os.Getenv
	}
	options := SDKOptions{
		HTTPEndpoint:       normalizeEndpoint(getenv("TREEWATCH_OTEL_HTTP_ENDPOINT")),
		ServiceName:        strings.TrimSpace(getenv("TREEWATCH_OTEL_SERVICE_NAME")),
		ResourceAttributes: parseResourceAttributes(getenv("TREEWATCH_OTEL_RESOURCE_ATTRIBUTES")),
	}
	if parsed, err := strconv.ParseBool(strings.TrimSpace(getenv("TREEWATCH_OTEL_ENABLED"))); err == nil {
		options.Enabled = parsed
	}
	if parsed, err := time.ParseDuration(strings.TrimSpace(getenv("TREEWATCH_OTEL_INTERVAL"))); err == nil && parsed > 0 {
		options.Interval = parsed
	}
	if options.ServiceName == "" {
		options.ServiceName = defaultServiceName
	}
	return options
}

// SetupMetrics installs a meter provider that periodically pushes registry
// to an OTLP/HTTP collector. The returned function flushes and shuts it down.
func SetupMetrics(ctx context.Context, options SDKOptions, registry *metrics.Registry) (func(context.Context) error, error) {
	if !options.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	endpoint := normalizeEndpoint(options.HTTPEndpoint)
	if endpoint == "" {
		endpoint = defaultHTTPEndpoint
	}
	interval := options.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	serviceName := strings.TrimSpace(options.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	resourceAttrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
	}
	if strings.TrimSpace(options.ServiceVersion) != "" {
		resourceAttrs = append(resourceAttrs, attribute.String("service.version", options.ServiceVersion))
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		resourceAttrs = append(resourceAttrs, attribute.String("host.name", host))
	}
	for key, value := range options.ResourceAttributes {
		resourceAttrs = append(resourceAttrs, attribute.String(key, value))
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(resourceAttrs...))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	registration, err := metrics.RegisterOTel(provider.Meter(meterName), registry)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	otelapi.SetMeterProvider(provider)

	return func(shutdownCtx context.Context) error {
		var shutdownErr error
		if err := provider.ForceFlush(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := registration.Unregister(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	}, nil
}

func parseResourceAttributes(raw string) map[string]string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	attributes := make(map[string]string)
	for _, pair := range strings.Split(trimmed, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		attributes[key] = strings.TrimSpace(parts[1])
	}
	if len(attributes) == 0 {
		return nil
	}
	return attributes
}

func normalizeEndpoint(raw string) string {
	endpoint := strings.TrimSpace(raw)
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}
