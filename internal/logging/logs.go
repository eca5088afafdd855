// Package logging provides the engine's OpenTelemetry-backed logger and
// metric helpers.
package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/schuttebj/ryvr-sub001/engine"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
)

// Log writes a log record at the given level.
func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// NewCounter creates a Float64 counter, logging and returning nil on failure
// so metric setup problems never break the engine.
func NewCounter(name, description, unit string) metric.Float64Counter {
	counter, err := meter.Float64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("failed to create metric "+name+": "+err.Error(), slog.LevelError)
		return nil
	}
	return counter
}

// Add increments a counter if it was created successfully.
func Add(counter metric.Float64Counter, value float64) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), value)
}
