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
	"strings"
	"sync"

	"github.com/prometheus/common/model"
)

// Namespace for all metrics exported by the scheduler core.
const Namespace = "fairsched"

var once sync.Once
var m *Metrics

// Metrics is the registry of all subsystem metrics, queue and quota metrics
// are created lazily per name.
type Metrics struct {
	scheduler *SchedulerMetrics
	queues    map[string]*QueueMetrics
	quotas    map[string]*QuotaMetrics
	lock      sync.Mutex
}

func get() *Metrics {
	once.Do(func() {
		m = &Metrics{
			scheduler: initSchedulerMetrics(),
			queues:    make(map[string]*QueueMetrics),
			quotas:    make(map[string]*QuotaMetrics),
		}
	})
	return m
}

func GetSchedulerMetrics() *SchedulerMetrics {
	return get().scheduler
}

func GetQueueMetrics(name string) *QueueMetrics {
	mt := get()
	mt.lock.Lock()
	defer mt.lock.Unlock()
	if qm, ok := mt.queues[name]; ok {
		return qm
	}
	qm := initQueueMetrics(name)
	mt.queues[name] = qm
	return qm
}

func GetQuotaMetrics(name string) *QuotaMetrics {
	mt := get()
	mt.lock.Lock()
	defer mt.lock.Unlock()
	if qm, ok := mt.quotas[name]; ok {
		return qm
	}
	qm := initQuotaMetrics(name)
	mt.quotas[name] = qm
	return qm
}

// formatMetricName strips characters that are not legal in a prometheus
// metric name so project names can be used as a subsystem.
func formatMetricName(name string) string {
	var sb strings.Builder
	for i, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == ':' ||
			(r >= '0' && r <= '9' && i > 0) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	formatted := sb.String()
	if !model.IsValidMetricName(model.LabelValue(formatted)) {
		return "invalid_name"
	}
	return formatted
}
