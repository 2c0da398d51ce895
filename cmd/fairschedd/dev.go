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

package main

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/log"
)

// registryFile is the yaml shape of the static development registry.
type registryFile struct {
	Projects []struct {
		ID      string  `yaml:"id"`
		Name    string  `yaml:"name"`
		Share   float64 `yaml:"share"`
		Dynamic bool    `yaml:"dynamic"`
	} `yaml:"projects"`
	Users []struct {
		ID      string  `yaml:"id"`
		Name    string  `yaml:"name"`
		Project string  `yaml:"project"`
		Share   float64 `yaml:"share"`
	} `yaml:"users"`
}

// staticRegistry serves a fixed project and user membership, the
// development stand-in for the platform identity service.
type staticRegistry struct {
	projects []api.Project
	users    []api.User
}

func loadRegistry(path string) (*staticRegistry, error) {
	registry := &staticRegistry{}
	if path == "" {
		return registry, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file registryFile
	if err = yaml.Unmarshal(buf, &file); err != nil {
		return nil, err
	}
	for _, p := range file.Projects {
		registry.projects = append(registry.projects, api.Project{
			ID:      p.ID,
			Name:    p.Name,
			Share:   p.Share,
			Dynamic: p.Dynamic,
		})
	}
	for _, u := range file.Users {
		registry.users = append(registry.users, api.User{
			ID:        u.ID,
			Name:      u.Name,
			ProjectID: u.Project,
			Share:     u.Share,
		})
	}
	return registry, nil
}

func (r *staticRegistry) ListProjects(context.Context) ([]api.Project, error) {
	return append([]api.Project(nil), r.projects...), nil
}

func (r *staticRegistry) ListUsers(context.Context) ([]api.User, error) {
	return append([]api.User(nil), r.users...), nil
}

func (r *staticRegistry) GetUserProjects(_ context.Context, userID string) ([]api.Project, error) {
	var out []api.Project
	for _, u := range r.users {
		if u.ID != userID {
			continue
		}
		for _, p := range r.projects {
			if p.ID == u.ProjectID {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// noopUsage reports no historical consumption, every user starts at full
// fair share.
type noopUsage struct{}

func (noopUsage) GetResourceUsage(context.Context, []string, time.Time, time.Time) (map[string]map[string]api.UsageRecord, error) {
	return map[string]map[string]api.UsageRecord{}, nil
}

// loggingController acknowledges every build, standing in for the compute
// platform client.
type loggingController struct {
	lock  sync.Mutex
	built map[string]time.Time
}

func (c *loggingController) BuildInstance(_ context.Context, request *api.Request) error {
	c.lock.Lock()
	if c.built == nil {
		c.built = make(map[string]time.Time)
	}
	c.built[request.ID] = time.Now()
	c.lock.Unlock()
	log.Log(log.Core).Info("build accepted",
		zap.String("request", request.ID),
		zap.String("project", request.ProjectID))
	return nil
}

func (c *loggingController) DeleteInstance(_ context.Context, instanceID string) error {
	c.lock.Lock()
	delete(c.built, instanceID)
	c.lock.Unlock()
	log.Log(log.Core).Info("delete accepted", zap.String("instance", instanceID))
	return nil
}

func (c *loggingController) GetInstanceState(_ context.Context, instanceID string) (api.InstanceState, error) {
	c.lock.Lock()
	_, ok := c.built[instanceID]
	c.lock.Unlock()
	if ok {
		return api.InstanceActive, nil
	}
	return api.InstancePending, nil
}
