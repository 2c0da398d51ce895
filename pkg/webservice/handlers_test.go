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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common/configs"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/queue"
	"github.com/fairsched/fairsched-core/pkg/scheduler"
	"github.com/fairsched/fairsched-core/pkg/webservice/dao"
)

type stubIdentity struct {
	projects []api.Project
	users    []api.User
}

func (s stubIdentity) ListProjects(context.Context) ([]api.Project, error) { return s.projects, nil }
func (s stubIdentity) ListUsers(context.Context) ([]api.User, error)       { return s.users, nil }
func (s stubIdentity) GetUserProjects(context.Context, string) ([]api.Project, error) {
	return s.projects, nil
}

type stubUsage struct{}

func (stubUsage) GetResourceUsage(context.Context, []string, time.Time, time.Time) (map[string]map[string]api.UsageRecord, error) {
	return map[string]map[string]api.UsageRecord{}, nil
}

type stubController struct{}

func (stubController) BuildInstance(context.Context, *api.Request) error   { return nil }
func (stubController) DeleteInstance(context.Context, string) error        { return nil }
func (stubController) GetInstanceState(context.Context, string) (api.InstanceState, error) {
	return api.InstancePending, nil
}

func setupWebTest(t *testing.T) *httptest.Server {
	t.Helper()
	conf := configs.DefaultSchedulerConfig()
	conf.Tick.Interval = time.Hour
	conf.Queue.DequeueTimeout = 20 * time.Millisecond
	conf.Quota.DefaultProjectResources = map[string]string{
		resources.Cores:  "8",
		resources.Memory: "4096",
	}

	identity := stubIdentity{
		projects: []api.Project{{ID: "proj-a", Name: "a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	sched, err := scheduler.New(conf, identity, stubUsage{}, stubController{}, queue.NewMemoryStore())
	assert.NilError(t, err)
	assert.NilError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	NewWebApp(sched, conf.Web.Port)
	server := httptest.NewServer(newRouter())
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	assert.NilError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		assert.NilError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetQueuesInfo(t *testing.T) {
	server := setupWebTest(t)

	var queues []dao.QueueDAOInfo
	code := getJSON(t, server.URL+"/ws/v1/queues", &queues)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, len(queues), 2)
	assert.Equal(t, queues[0].Name, "dynamic")
	assert.Equal(t, queues[1].Name, "proj-a")
	assert.Equal(t, queues[1].State, "Open")
}

func TestGetQuotaInfoForProject(t *testing.T) {
	server := setupWebTest(t)

	var info dao.QuotaDAOInfo
	code := getJSON(t, server.URL+"/ws/v1/quotas/proj-a", &info)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, info.ProjectID, "proj-a")
	assert.Equal(t, info.Resources.Limit[resources.Cores], 8.0)

	code = getJSON(t, server.URL+"/ws/v1/quotas/missing", nil)
	assert.Equal(t, code, http.StatusNotFound)
}

func TestGetPriorityInfo(t *testing.T) {
	server := setupWebTest(t)

	var info dao.PriorityDAOInfo
	code := getJSON(t, server.URL+"/ws/v1/priority/proj-a/user-1", &info)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, info.UserID, "user-1")
	assert.Assert(t, info.Priority > 0)

	code = getJSON(t, server.URL+"/ws/v1/priority/proj-a/ghost", nil)
	assert.Equal(t, code, http.StatusNotFound)
}

func TestGetUsageInfo(t *testing.T) {
	server := setupWebTest(t)

	var info dao.UsageDAOInfo
	code := getJSON(t, server.URL+"/ws/v1/usage", &info)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, len(info.Users), 1)
	assert.Equal(t, info.Users[0].UserID, "user-1")
}

func TestAddAndRemoveProject(t *testing.T) {
	server := setupWebTest(t)

	body := `{"id":"proj-b","name":"b","share":5,"resources":{"cores":"4","memory":"1024"}}`
	resp, err := http.Post(server.URL+"/ws/v1/projects", "application/json", strings.NewReader(body))
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusCreated)

	var info dao.QuotaDAOInfo
	code := getJSON(t, server.URL+"/ws/v1/quotas/proj-b", &info)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, info.Resources.Limit[resources.Cores], 4.0)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/ws/v1/projects/proj-b", nil)
	assert.NilError(t, err)
	resp, err = http.DefaultClient.Do(req)
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)

	code = getJSON(t, server.URL+"/ws/v1/quotas/proj-b", nil)
	assert.Equal(t, code, http.StatusNotFound)
}

func TestAddProjectRejectsBadBody(t *testing.T) {
	server := setupWebTest(t)

	resp, err := http.Post(server.URL+"/ws/v1/projects", "application/json", strings.NewReader("{"))
	assert.NilError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}
