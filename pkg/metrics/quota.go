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
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/log"
)

// QuotaMetrics tracks in-use versus hard limit per resource kind for one
// quota (a project or the shared pool).
type QuotaMetrics struct {
	resource    *prometheus.GaugeVec
	allocations *prometheus.CounterVec
}

func initQuotaMetrics(name string) *QuotaMetrics {
	q := &QuotaMetrics{}
	labels := prometheus.Labels{"quota": formatMetricName(name)}

	q.resource = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   Namespace,
			Name:        "quota_resource",
			ConstLabels: labels,
			Help:        "Quota resource metrics. State of the resource includes `used`, `limit`.",
		}, []string{"state", "resource"})

	q.allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "quota_allocations_total",
			ConstLabels: labels,
			Help:        "Allocation attempts. Result includes `allocated`, `released`, `rejected`, `exceeded`.",
		}, []string{"result"})

	for _, metric := range []prometheus.Collector{q.resource, q.allocations} {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register quota metrics collector",
				zap.String("quota", name),
				zap.Error(err))
		}
	}
	return q
}

func (q *QuotaMetrics) SetResource(state, resourceName string, value float64) {
	q.resource.With(prometheus.Labels{"state": state, "resource": resourceName}).Set(value)
}

func (q *QuotaMetrics) IncAllocations(result string) {
	q.allocations.With(prometheus.Labels{"result": result}).Inc()
}
