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

// SchedulerMetrics covers the dispatch pipeline and the periodic fair share
// recompute.
type SchedulerMetrics struct {
	dispatched   *prometheus.CounterVec
	tickDuration prometheus.Histogram
	priorityCalc prometheus.Counter
}

func initSchedulerMetrics() *SchedulerMetrics {
	s := &SchedulerMetrics{}

	s.dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch outcomes. Result includes `built`, `build_failed`, `held`, `dropped`.",
		}, []string{"result"})

	s.tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of the periodic fair share recompute tick.",
			Buckets:   prometheus.DefBuckets,
		})

	s.priorityCalc = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "priority_calculations_total",
			Help:      "Number of priority calculations performed.",
		})

	for _, metric := range []prometheus.Collector{s.dispatched, s.tickDuration, s.priorityCalc} {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register scheduler metrics collector", zap.Error(err))
		}
	}
	return s
}

func (s *SchedulerMetrics) IncDispatched(result string) {
	s.dispatched.With(prometheus.Labels{"result": result}).Inc()
}

func (s *SchedulerMetrics) ObserveTickDuration(seconds float64) {
	s.tickDuration.Observe(seconds)
}

func (s *SchedulerMetrics) IncPriorityCalculations() {
	s.priorityCalc.Inc()
}

// GetDispatched reads a dispatch counter back for tests.
func (s *SchedulerMetrics) GetDispatched(result string) (int, error) {
	metricDto := &dto.Metric{}
	counter, err := s.dispatched.GetMetricWith(prometheus.Labels{"result": result})
	if err != nil {
		return -1, err
	}
	if err = counter.Write(metricDto); err != nil {
		return -1, err
	}
	return int(metricDto.Counter.GetValue()), nil
}
