package server

import (
	"context"
	"time"

	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/search"
	"github.com/localrivet/imagesearch/internal/telemetry"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	// StatusHealthy indicates a component is fully operational
	StatusHealthy HealthStatus = "healthy"

	// StatusDegraded indicates a component is operational but with reduced capability
	StatusDegraded HealthStatus = "degraded"

	// StatusUnhealthy indicates a component is not operational
	StatusUnhealthy HealthStatus = "unhealthy"
)

// healthCheckTimeout bounds the store probe.
const healthCheckTimeout = 5 * time.Second

// failureKinds are the absorbed failure counters reported by /healthz.
var failureKinds = []errortypes.ErrorType{
	errortypes.ErrorTypeFetch,
	errortypes.ErrorTypeDecode,
	errortypes.ErrorTypeModel,
	errortypes.ErrorTypeStore,
	errortypes.ErrorTypeInternal,
}

// HealthReport contains information about the current health of the service
type HealthReport struct {
	Status        HealthStatus       `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
	Components    map[string]string  `json:"components"`
	Embedder      string             `json:"embedder"`
	Population    int                `json:"population"`
	ResponseTimes map[string]float64 `json:"response_times_ms"`
	Failures      map[string]int64   `json:"failures"`
	SuccessRate   float64            `json:"success_rate"`
	TotalRequests int64              `json:"total_requests"`
	Uptime        string             `json:"uptime"`
	Version       string             `json:"version"`
}

// CreateHealthReport probes the record store and summarizes the collected
// search metrics. An unreachable store makes the service unhealthy; a
// majority of failed searches makes it degraded.
func CreateHealthReport(ctx context.Context, service *search.Service, started time.Time, version string) *HealthReport {
	m := service.Metrics()

	components := map[string]string{
		"store":    string(StatusHealthy),
		"embedder": string(StatusHealthy),
	}
	status := StatusHealthy

	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	population, err := service.Count(probeCtx)
	if err != nil {
		components["store"] = string(StatusUnhealthy)
		status = StatusUnhealthy
	}

	failures := make(map[string]int64, len(failureKinds))
	var totalFailures int64
	for _, kind := range failureKinds {
		n := m.GetCounter(telemetry.MetricSearchFailure(string(kind)))
		failures[string(kind)] = n
		totalFailures += n
	}

	totalRequests := m.GetCounter(telemetry.MetricSearchRequests)
	successRate := 100.0
	if totalRequests > 0 {
		successRate = float64(totalRequests-totalFailures) / float64(totalRequests) * 100.0
	}

	if failures[string(errortypes.ErrorTypeModel)] > 0 && successRate < 50 {
		components["embedder"] = string(StatusDegraded)
	}
	if status == StatusHealthy && successRate < 50 {
		status = StatusDegraded
	}

	ms := func(name string) float64 {
		return float64(m.GetTimerAverage(name)) / float64(time.Millisecond)
	}

	return &HealthReport{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Embedder:   service.EmbedderName(),
		Population: population,
		ResponseTimes: map[string]float64{
			"embed":  ms(telemetry.MetricEmbedTime),
			"fetch":  ms(telemetry.MetricFetchTime),
			"decode": ms(telemetry.MetricDecodeTime),
			"match":  ms(telemetry.MetricMatchTime),
			"total":  ms(telemetry.MetricSearchTime),
		},
		Failures:      failures,
		SuccessRate:   successRate,
		TotalRequests: totalRequests,
		Uptime:        time.Since(started).Round(time.Second).String(),
		Version:       version,
	}
}
