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

// Package webservice exposes the scheduler state over a small REST
// interface, one route per management operation plus the Prometheus
// scrape endpoint.
package webservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/scheduler"
)

var schedulerContext *scheduler.Scheduler

type WebService struct {
	httpServer *http.Server
	port       int
}

func newRouter() *httprouter.Router {
	router := httprouter.New()
	for _, route := range webRoutes {
		router.Handle(route.Method, route.Pattern, loggingHandler(route.HandlerFunc, route.Name))
	}
	return router
}

func loggingHandler(inner httprouter.Handle, name string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		inner(w, r, ps)
		log.Log(log.Web).Debug(fmt.Sprintf("%s\t%s\t%s\t%s",
			r.Method, r.RequestURI, name, time.Since(start)))
	}
}

// StartWebApp serves the REST interface in the background. ListenAndServe
// failures after startup are logged, not fatal.
func (m *WebService) StartWebApp() {
	m.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.port),
		Handler:           newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Log(log.Web).Info("web-app started", zap.Int("port", m.port))
	go func() {
		httpError := m.httpServer.ListenAndServe()
		if httpError != nil && httpError != http.ErrServerClosed {
			log.Log(log.Web).Error("HTTP serving error",
				zap.Error(httpError))
		}
	}()
}

// StopWebApp gracefully shuts the server down.
func (m *WebService) StopWebApp() error {
	if m.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.httpServer.Shutdown(ctx)
}

func NewWebApp(sched *scheduler.Scheduler, port int) *WebService {
	schedulerContext = sched
	return &WebService{port: port}
}
