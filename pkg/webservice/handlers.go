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
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/scheduler"
	"github.com/fairsched/fairsched-core/pkg/webservice/dao"
)

func writeHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	writeHeaders(w)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	notFound := &common.NotFoundError{}
	confErr := &common.ConfigurationError{}
	switch {
	case errors.As(err, &notFound):
		statusCode = http.StatusNotFound
	case errors.As(err, &confErr):
		statusCode = http.StatusBadRequest
	}
	writeHeaders(w)
	w.WriteHeader(statusCode)
	if encErr := json.NewEncoder(w).Encode(dao.NewAPIError(statusCode, err.Error())); encErr != nil {
		log.Log(log.Web).Error("failed to encode error response", zap.Error(encErr))
	}
}

func resourcesDAO(status scheduler.ResourceStatus) dao.ResourcesDAOInfo {
	info := dao.ResourcesDAOInfo{
		InUse: make(map[string]float64, len(status.InUse)),
		Limit: make(map[string]float64, len(status.Limit)),
	}
	for kind, value := range status.InUse {
		info.InUse[kind] = float64(value)
	}
	for kind, value := range status.Limit {
		info.Limit[kind] = float64(value)
	}
	return info
}

func queuesDAO(statuses []scheduler.QueueStatus) []dao.QueueDAOInfo {
	infos := make([]dao.QueueDAOInfo, 0, len(statuses))
	for _, s := range statuses {
		infos = append(infos, dao.QueueDAOInfo{
			Name:    s.Name,
			State:   s.State,
			Backlog: s.Backlog,
			Size:    s.Size,
		})
	}
	return infos
}

func quotasDAO(statuses []scheduler.QuotaStatus) []dao.QuotaDAOInfo {
	infos := make([]dao.QuotaDAOInfo, 0, len(statuses))
	for _, s := range statuses {
		infos = append(infos, dao.QuotaDAOInfo{
			ProjectID:   s.ProjectID,
			Dynamic:     s.Dynamic,
			Resources:   resourcesDAO(s.Resources),
			Allocations: s.Active,
			Pending:     s.Pending,
			Errored:     s.Errored,
		})
	}
	return infos
}

func getQueuesInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result, err := schedulerContext.Execute(r.Context(), scheduler.Operation{Kind: scheduler.OpQueueStatus})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, queuesDAO(result.([]scheduler.QueueStatus)))
}

func getQueueInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, err := schedulerContext.Execute(r.Context(), scheduler.Operation{
		Kind:      scheduler.OpQueueStatus,
		ProjectID: ps.ByName("project"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, queuesDAO(result.([]scheduler.QueueStatus))[0])
}

func getQuotasInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result, err := schedulerContext.Execute(r.Context(), scheduler.Operation{Kind: scheduler.OpQuotaStatus})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, quotasDAO(result.([]scheduler.QuotaStatus)))
}

func getQuotaInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, err := schedulerContext.Execute(r.Context(), scheduler.Operation{
		Kind:      scheduler.OpQuotaStatus,
		ProjectID: ps.ByName("project"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, quotasDAO(result.([]scheduler.QuotaStatus))[0])
}

func getPriorityInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	result, err := schedulerContext.Execute(r.Context(), scheduler.Operation{
		Kind:      scheduler.OpPriority,
		ProjectID: ps.ByName("project"),
		UserID:    ps.ByName("user"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := result.(*scheduler.PriorityStatus)
	writeJSON(w, dao.PriorityDAOInfo{
		UserID:    status.UserID,
		ProjectID: status.ProjectID,
		CreatedAt: status.CreatedAt,
		Priority:  status.Priority,
	})
}

func getUsageInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result, err := schedulerContext.Execute(r.Context(), scheduler.Operation{Kind: scheduler.OpShowUsage})
	if err != nil {
		writeError(w, err)
		return
	}
	table := result.(*scheduler.UsageTable)
	info := dao.UsageDAOInfo{ComputedAt: table.ComputedAt}
	for _, user := range table.Users {
		info.Users = append(info.Users, dao.UserUsageDAOInfo{
			UserID:          user.User.ID,
			ProjectID:       user.ProjectID,
			HistoricalCores: user.HistoricalCores,
			EffectiveCores:  user.EffectiveCores,
			NormalizedShare: user.NormalizedShare,
			FairShareCores:  user.FairShareCores,
			FairShareMemory: user.FairShareMemory,
		})
	}
	sort.Slice(info.Users, func(i, j int) bool { return info.Users[i].UserID < info.Users[j].UserID })
	writeJSON(w, info)
}

func addProject(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body dao.ProjectRequestDAOInfo
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &common.ConfigurationError{Component: "add-project", Missing: "valid request body"})
		return
	}
	if body.ID == common.Empty {
		writeError(w, &common.ConfigurationError{Component: "add-project", Missing: "project id"})
		return
	}
	op := scheduler.Operation{
		Kind: scheduler.OpAddProject,
		Project: &api.Project{
			ID:      body.ID,
			Name:    body.Name,
			Share:   body.Share,
			Dynamic: body.Dynamic,
		},
	}
	if len(body.Resources) > 0 {
		limit, err := resources.NewResourceFromConf(body.Resources)
		if err != nil {
			writeError(w, err)
			return
		}
		op.Limit = limit
	}
	if _, err := schedulerContext.Execute(r.Context(), op); err != nil {
		writeError(w, err)
		return
	}
	writeHeaders(w)
	w.WriteHeader(http.StatusCreated)
}

func removeProject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	_, err := schedulerContext.Execute(r.Context(), scheduler.Operation{
		Kind:      scheduler.OpRemoveProject,
		ProjectID: ps.ByName("project"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
