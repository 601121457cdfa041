package metrics

import (
	"context"
	"sync"
	"time"

	datadog "github.com/DataDog/datadog-api-client-go/api/v2/datadog"
	"github.com/rs/zerolog/log"
)

const DefaultDatadogTimeout = 5 * time.Second

// DatadogReporter pushes provisioning outcomes as Datadog gauges. Points
// are submitted in the background, each bounded by the reporter timeout.
type DatadogReporter struct {
	ctx     context.Context
	client  *datadog.APIClient
	tags    []string
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDatadogReporter returns nil when apiKey is empty, which disables pushing.
func NewDatadogReporter(apiKey, appKey string, tags []string) *DatadogReporter {
	return newDatadogReporter(apiKey, appKey, tags, datadog.NewConfiguration(), DefaultDatadogTimeout)
}

func newDatadogReporter(apiKey, appKey string, tags []string, cfg *datadog.Configuration, timeout time.Duration) *DatadogReporter {
	if apiKey == "" {
		return nil
	}
	ctx := context.WithValue(context.Background(), datadog.ContextAPIKeys, map[string]datadog.APIKey{
		"apiKeyAuth": {
			Key: apiKey,
		},
		"appKeyAuth": {
			Key: appKey,
		},
	})
	return &DatadogReporter{
		ctx:     ctx,
		client:  datadog.NewAPIClient(cfg),
		tags:    tags,
		timeout: timeout,
	}
}

// Report queues a single gauge point for submission. Failures are logged
// and dropped.
func (r *DatadogReporter) Report(metricName string, value float64, tags ...string) {
	if r == nil {
		return
	}
	point := datadog.MetricPoint{
		Timestamp: datadog.PtrInt64(time.Now().Unix()),
		Value:     datadog.PtrFloat64(value),
	}
	series := datadog.MetricSeries{
		Metric: metricName,
		Type:   datadog.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadog.MetricPoint{point},
		Tags:   append(append([]string{}, r.tags...), tags...),
	}
	payload := datadog.MetricPayload{
		Series: []datadog.MetricSeries{series},
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.submit(metricName, payload)
	}()
}

func (r *DatadogReporter) submit(metricName string, payload datadog.MetricPayload) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	if _, _, err := r.client.MetricsApi.SubmitMetrics(ctx, payload); err != nil {
		log.Warn().Err(err).Str("metric", metricName).Msg("failed to submit metric to datadog")
		return
	}
	log.Debug().Msgf("Metric %s posted to datadog", metricName)
}

// Wait blocks until every queued point was submitted or timed out.
func (r *DatadogReporter) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
