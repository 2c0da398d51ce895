/*
 Copyright The FairSched Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/log"
)

// QueueMetrics tracks the backlog and throughput of one request queue.
type QueueMetrics struct {
	backlog       prometheus.Gauge
	itemsTotal    *prometheus.CounterVec
	waitTime      prometheus.Histogram
}

func initQueueMetrics(name string) *QueueMetrics {
	q := &QueueMetrics{}
	labels := prometheus.Labels{"queue": formatMetricName(name)}

	q.backlog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "queue_backlog",
			ConstLabels: labels,
			Help:        "Number of items currently held by the queue.",
		})

	q.itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "queue_items_total",
			ConstLabels: labels,
			Help:        "Queue item counts. State of the item includes `enqueued`, `dequeued`, `restored`, `deleted`.",
		}, []string{"state"})

	q.waitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "queue_wait_seconds",
			ConstLabels: labels,
			Help:        "Time items spend in the queue before being dequeued.",
			Buckets:     prometheus.ExponentialBuckets(0.1, 4, 8),
		})

	for _, metric := range []prometheus.Collector{q.backlog, q.itemsTotal, q.waitTime} {
		// registration may fail when two queues format to the same name
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register queue metrics collector",
				zap.String("queue", name),
				zap.Error(err))
		}
	}
	return q
}

func (q *QueueMetrics) SetBacklog(size int) {
	q.backlog.Set(float64(size))
}

func (q *QueueMetrics) IncItems(state string) {
	q.itemsTotal.With(prometheus.Labels{"state": state}).Inc()
}

func (q *QueueMetrics) ObserveWaitTime(seconds float64) {
	q.waitTime.Observe(seconds)
}

// GetBacklog reads the current gauge value back, used by tests and the
// status handlers.
func (q *QueueMetrics) GetBacklog() (int, error) {
	metricDto := &dto.Metric{}
	if err := q.backlog.Write(metricDto); err != nil {
		return -1, err
	}
	return int(metricDto.Gauge.GetValue()), nil
}
