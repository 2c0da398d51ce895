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

// Package api holds the collaborator interfaces the scheduling core depends
// on and the request snapshot passed through the queue. Implementations talk
// to the cloud control plane and are out of scope for the core.
package api

import (
	"context"
	"time"

	"github.com/fairsched/fairsched-core/pkg/common/resources"
)

// Project metadata as loaded from the identity source. Share is the raw
// admin assigned weight used by the fair share calculation. Dynamic projects
// bill their workloads against the global shared pool.
type Project struct {
	ID      string
	Name    string
	Share   float64
	Dynamic bool
}

// User metadata, a user belongs to exactly one project.
type User struct {
	ID        string
	Name      string
	ProjectID string
	Share     float64
}

// Request is an immutable snapshot of a workload creation request. It is
// passed opaquely through the queue, the core interprets only the fields
// below.
type Request struct {
	ID         string               `json:"id"`
	UserID     string               `json:"userId"`
	ProjectID  string               `json:"projectId"`
	Resources  *resources.Resource  `json:"resources"`
	Ephemeral  bool                 `json:"ephemeral"`
	CreatedAt  time.Time            `json:"createdAt"`
	RetryCount int                  `json:"retryCount"`
	Attributes map[string]string    `json:"attributes,omitempty"` // flavor, network, volume attachments etc.
}

// UsageRecord is the raw consumption of one user in one project over a
// reporting window.
type UsageRecord struct {
	Cores  float64
	Memory float64
}

// IdentityDirectory returns current project and user membership.
type IdentityDirectory interface {
	ListProjects(ctx context.Context) ([]Project, error)
	ListUsers(ctx context.Context) ([]User, error)
	GetUserProjects(ctx context.Context, userID string) ([]Project, error)
}

// UsageReporter returns historical consumption for a time window, keyed by
// project id then user id.
type UsageReporter interface {
	GetResourceUsage(ctx context.Context, projectIDs []string, from, to time.Time) (map[string]map[string]UsageRecord, error)
}

// InstanceState reported by the compute platform for a workload.
type InstanceState string

const (
	InstancePending InstanceState = "pending"
	InstanceActive  InstanceState = "active"
	InstanceError   InstanceState = "error"
	InstanceDeleted InstanceState = "deleted"
)

// Schedulable reports whether a workload in this state is still waiting to
// be dispatched by the core.
func (s InstanceState) Schedulable() bool {
	return s == InstancePending
}

// WorkloadController dispatches builds and answers lifecycle queries against
// the compute platform.
type WorkloadController interface {
	BuildInstance(ctx context.Context, request *Request) error
	DeleteInstance(ctx context.Context, instanceID string) error
	GetInstanceState(ctx context.Context, instanceID string) (InstanceState, error)
}
