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

// Package trace sets up the Jaeger tracer used by the dispatch path.
package trace

import (
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	zapjaeger "github.com/uber/jaeger-client-go/log/zap"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/fairsched/fairsched-core/pkg/log"
)

// NewConstTracer returns a Jaeger tracer that samples every trace and logs
// all spans, intended for tests and local runs.
func NewConstTracer(serviceName string) (opentracing.Tracer, io.Closer, error) {
	if len(serviceName) == 0 {
		return nil, nil, fmt.Errorf("service name is empty")
	}
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}
	return cfg.NewTracer(
		jaegercfg.Logger(zapjaeger.NewLogger(log.Logger().Named(serviceName))),
		jaegercfg.Metrics(metrics.NullFactory),
	)
}

// NewTracerFromEnv returns a Jaeger tracer configured from the JAEGER_*
// environment variables, the production entry point.
func NewTracerFromEnv(serviceName string) (opentracing.Tracer, io.Closer, error) {
	cfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if serviceName != "" {
		cfg.ServiceName = serviceName
	}
	return cfg.NewTracer(
		jaegercfg.Logger(zapjaeger.NewLogger(log.Logger().Named(cfg.ServiceName))),
		jaegercfg.Metrics(metrics.NullFactory),
	)
}

// InitGlobalTracer installs the tracer as the process wide default used by
// opentracing.StartSpan callers.
func InitGlobalTracer(tracer opentracing.Tracer) {
	opentracing.SetGlobalTracer(tracer)
}
