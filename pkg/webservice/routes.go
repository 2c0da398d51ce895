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

package webservice

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc httprouter.Handle
}

type Routes []Route

var webRoutes = Routes{
	Route{
		"Queues",
		"GET",
		"/ws/v1/queues",
		getQueuesInfo,
	},
	Route{
		"Queue",
		"GET",
		"/ws/v1/queues/:project",
		getQueueInfo,
	},
	Route{
		"Quotas",
		"GET",
		"/ws/v1/quotas",
		getQuotasInfo,
	},
	Route{
		"Quota",
		"GET",
		"/ws/v1/quotas/:project",
		getQuotaInfo,
	},
	Route{
		"Priority",
		"GET",
		"/ws/v1/priority/:project/:user",
		getPriorityInfo,
	},
	Route{
		"Usage",
		"GET",
		"/ws/v1/usage",
		getUsageInfo,
	},
	Route{
		"AddProject",
		"POST",
		"/ws/v1/projects",
		addProject,
	},
	Route{
		"RemoveProject",
		"DELETE",
		"/ws/v1/projects/:project",
		removeProject,
	},
	Route{
		"Metrics",
		"GET",
		"/ws/v1/metrics",
		func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			promhttp.Handler().ServeHTTP(w, r)
		},
	},
}
