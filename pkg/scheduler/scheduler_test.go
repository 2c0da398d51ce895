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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/configs"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
	"github.com/fairsched/fairsched-core/pkg/queue"
)

type fakeIdentity struct {
	projects []api.Project
	users    []api.User
	lock     sync.Mutex
}

func (f *fakeIdentity) ListProjects(context.Context) ([]api.Project, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]api.Project(nil), f.projects...), nil
}

func (f *fakeIdentity) ListUsers(context.Context) ([]api.User, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]api.User(nil), f.users...), nil
}

func (f *fakeIdentity) GetUserProjects(_ context.Context, userID string) ([]api.Project, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []api.Project
	for _, u := range f.users {
		if u.ID != userID {
			continue
		}
		for _, p := range f.projects {
			if p.ID == u.ProjectID {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type fakeUsage struct{}

func (fakeUsage) GetResourceUsage(context.Context, []string, time.Time, time.Time) (map[string]map[string]api.UsageRecord, error) {
	return map[string]map[string]api.UsageRecord{}, nil
}

type fakeController struct {
	built []string
	lock  sync.Mutex
}

func (f *fakeController) BuildInstance(_ context.Context, request *api.Request) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.built = append(f.built, request.ID)
	return nil
}

func (f *fakeController) DeleteInstance(context.Context, string) error { return nil }

func (f *fakeController) GetInstanceState(context.Context, string) (api.InstanceState, error) {
	return api.InstancePending, nil
}

func (f *fakeController) builtCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.built)
}

func testConfig() *configs.SchedulerConfig {
	conf := configs.DefaultSchedulerConfig()
	conf.Tick.Interval = time.Hour // ticks driven manually in tests
	conf.Queue.DequeueTimeout = 20 * time.Millisecond
	conf.Quota.DefaultProjectResources = map[string]string{
		resources.Cores:  "8",
		resources.Memory: "4096",
	}
	conf.SharedPool.Resources = map[string]string{
		resources.Cores:  "4",
		resources.Memory: "2048",
	}
	return conf
}

func testRequest(id, userID, projectID string, cores resources.Quantity) *api.Request {
	return &api.Request{
		ID:        id,
		UserID:    userID,
		ProjectID: projectID,
		Resources: resources.NewResourceFromMap(map[string]resources.Quantity{
			resources.Cores:  cores,
			resources.Memory: 256,
		}),
		CreatedAt: time.Now(),
	}
}

func newRunningScheduler(t *testing.T, identity *fakeIdentity, controller *fakeController) *Scheduler {
	t.Helper()
	s, err := New(testConfig(), identity, fakeUsage{}, controller, queue.NewMemoryStore())
	assert.NilError(t, err)
	assert.NilError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestNewRequiresCollaborators(t *testing.T) {
	store := queue.NewMemoryStore()
	identity := &fakeIdentity{}

	_, err := New(nil, identity, fakeUsage{}, &fakeController{}, store)
	confErr := &common.ConfigurationError{}
	assert.Assert(t, err != nil)
	assert.ErrorType(t, err, confErr)

	_, err = New(testConfig(), identity, fakeUsage{}, nil, store)
	assert.ErrorType(t, err, confErr)

	_, err = New(testConfig(), identity, fakeUsage{}, &fakeController{}, nil)
	assert.ErrorType(t, err, confErr)

	_, err = New(testConfig(), nil, fakeUsage{}, &fakeController{}, store)
	assert.ErrorType(t, err, confErr)
}

func TestSubmitDispatchesThroughProjectQueue(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Name: "a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	controller := &fakeController{}
	s := newRunningScheduler(t, identity, controller)

	id, err := s.Submit(context.Background(), testRequest("req-1", "user-1", "proj-a", 2))
	assert.NilError(t, err)
	assert.Assert(t, id > 0)

	assert.NilError(t, common.WaitForCondition(func() bool {
		return controller.builtCount() == 1
	}, 10*time.Millisecond, 2*time.Second), "submitted request was never dispatched")
}

func TestSubmitUnknownProject(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	s := newRunningScheduler(t, identity, &fakeController{})

	_, err := s.Submit(context.Background(), testRequest("req-1", "user-1", "proj-x", 1))
	notFound := &common.NotFoundError{}
	assert.ErrorType(t, err, notFound)
}

func TestSubmitRejectsEmptyAsk(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	s := newRunningScheduler(t, identity, &fakeController{})

	request := testRequest("req-1", "user-1", "proj-a", 1)
	request.Resources = resources.NewResource()
	_, err := s.Submit(context.Background(), request)
	assert.ErrorContains(t, err, "no resources")

	request.Resources = nil
	_, err = s.Submit(context.Background(), request)
	assert.ErrorContains(t, err, "no resources")
}

func TestDynamicProjectsShareOneQueue(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{
			{ID: "dyn-a", Share: 5, Dynamic: true},
			{ID: "dyn-b", Share: 5, Dynamic: true},
		},
		users: []api.User{
			{ID: "user-a", ProjectID: "dyn-a", Share: 5},
			{ID: "user-b", ProjectID: "dyn-b", Share: 5},
		},
	}
	controller := &fakeController{}
	s := newRunningScheduler(t, identity, controller)

	_, err := s.Submit(context.Background(), testRequest("req-a", "user-a", "dyn-a", 1))
	assert.NilError(t, err)
	_, err = s.Submit(context.Background(), testRequest("req-b", "user-b", "dyn-b", 1))
	assert.NilError(t, err)

	assert.NilError(t, common.WaitForCondition(func() bool {
		return controller.builtCount() == 2
	}, 10*time.Millisecond, 2*time.Second), "dynamic requests were not dispatched from the shared queue")

	// both projects report against the same shared backed ledger
	result, err := s.Execute(context.Background(), Operation{Kind: OpQuotaStatus, ProjectID: "dyn-a"})
	assert.NilError(t, err)
	statuses := result.([]QuotaStatus)
	assert.Equal(t, len(statuses), 1)
	assert.Assert(t, statuses[0].Dynamic)
	assert.Equal(t, statuses[0].Resources.InUse[resources.Cores], resources.Quantity(2))
}

func TestEphemeralRequestUsesSharedPool(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	controller := &fakeController{}
	s := newRunningScheduler(t, identity, controller)

	request := testRequest("req-eph", "user-1", "proj-a", 1)
	request.Ephemeral = true
	_, err := s.Submit(context.Background(), request)
	assert.NilError(t, err)

	assert.NilError(t, common.WaitForCondition(func() bool {
		return controller.builtCount() == 1
	}, 10*time.Millisecond, 2*time.Second), "ephemeral request was not dispatched")

	// billed against the shared pool, not the project's private quota
	assert.Equal(t, s.shared.Used().Get(resources.Cores), resources.Quantity(1))
	s.lock.RLock()
	pc := s.projects["proj-a"]
	s.lock.RUnlock()
	assert.Assert(t, !pc.quota.IsTracked("req-eph"))
}

func TestExecuteQueueStatus(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	s := newRunningScheduler(t, identity, &fakeController{})

	result, err := s.Execute(context.Background(), Operation{Kind: OpQueueStatus})
	assert.NilError(t, err)
	statuses := result.([]QueueStatus)
	assert.Equal(t, len(statuses), 2) // dynamic plus proj-a
	assert.Equal(t, statuses[0].Name, DynamicQueueName)
	assert.Equal(t, statuses[1].Name, "proj-a")
	assert.Equal(t, statuses[1].State, queue.Open.String())

	_, err = s.Execute(context.Background(), Operation{Kind: OpQueueStatus, ProjectID: "nope"})
	notFound := &common.NotFoundError{}
	assert.ErrorType(t, err, notFound)
}

func TestExecutePriorityProbe(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	s := newRunningScheduler(t, identity, &fakeController{})

	result, err := s.Execute(context.Background(), Operation{
		Kind:      OpPriority,
		UserID:    "user-1",
		ProjectID: "proj-a",
		CreatedAt: time.Now(),
	})
	assert.NilError(t, err)
	status := result.(*PriorityStatus)
	// no usage history: full fair share, priority dominated by the weights
	assert.Assert(t, status.Priority > 0)

	_, err = s.Execute(context.Background(), Operation{
		Kind:      OpPriority,
		UserID:    "ghost",
		ProjectID: "proj-a",
	})
	notFound := &common.NotFoundError{}
	assert.ErrorType(t, err, notFound)
}

func TestExecuteAddAndRemoveProject(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	controller := &fakeController{}
	s := newRunningScheduler(t, identity, controller)

	_, err := s.Execute(context.Background(), Operation{
		Kind:    OpAddProject,
		Project: &api.Project{ID: "proj-b", Share: 5},
	})
	assert.NilError(t, err)

	result, err := s.Execute(context.Background(), Operation{Kind: OpQuotaStatus, ProjectID: "proj-b"})
	assert.NilError(t, err)
	assert.Equal(t, len(result.([]QuotaStatus)), 1)

	_, err = s.Execute(context.Background(), Operation{Kind: OpRemoveProject, ProjectID: "proj-b"})
	assert.NilError(t, err)

	_, err = s.Execute(context.Background(), Operation{Kind: OpQuotaStatus, ProjectID: "proj-b"})
	notFound := &common.NotFoundError{}
	assert.ErrorType(t, err, notFound)
}

func TestExecuteShowUsage(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	s := newRunningScheduler(t, identity, &fakeController{})

	result, err := s.Execute(context.Background(), Operation{Kind: OpShowUsage})
	assert.NilError(t, err)
	table := result.(*UsageTable)
	assert.Assert(t, table.Users["user-1"] != nil)
}

func TestTickReprioritizesBacklog(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{{ID: "proj-a", Share: 10}},
		users:    []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	conf := testConfig()
	s, err := New(conf, identity, fakeUsage{}, &fakeController{}, queue.NewMemoryStore())
	assert.NilError(t, err)
	// not started: no workers pulling, items stay queued
	assert.NilError(t, s.refreshProjects(context.Background()))
	assert.NilError(t, s.calculator.CalculateFairShares(context.Background(), nil))

	_, err = s.Submit(context.Background(), testRequest("req-1", "user-1", "proj-a", 1))
	assert.NilError(t, err)

	s.tick(context.Background())

	result, err := s.Execute(context.Background(), Operation{Kind: OpQueueStatus, ProjectID: "proj-a"})
	assert.NilError(t, err)
	assert.Equal(t, result.([]QueueStatus)[0].Backlog, 1, "tick must keep the backlog intact")
}

func TestRefreshRemovesVanishedProject(t *testing.T) {
	identity := &fakeIdentity{
		projects: []api.Project{
			{ID: "proj-a", Share: 10},
			{ID: "proj-b", Share: 10},
		},
		users: []api.User{{ID: "user-1", ProjectID: "proj-a", Share: 10}},
	}
	s := newRunningScheduler(t, identity, &fakeController{})

	identity.lock.Lock()
	identity.projects = identity.projects[:1]
	identity.lock.Unlock()
	assert.NilError(t, s.refreshProjects(context.Background()))

	_, err := s.Execute(context.Background(), Operation{Kind: OpQuotaStatus, ProjectID: "proj-b"})
	notFound := &common.NotFoundError{}
	assert.ErrorType(t, err, notFound)
}
