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

// Package fairshare computes per user priorities from decayed historical
// resource consumption. The usage table is recomputed as a whole on every
// scheduling tick and swapped in atomically, priority reads never observe a
// partially updated table.
package fairshare

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/configs"
	"github.com/fairsched/fairsched-core/pkg/log"
	"github.com/fairsched/fairsched-core/pkg/metrics"
)

// UserUsage is the per user slice of the usage table.
type UserUsage struct {
	User      api.User
	ProjectID string

	// Share is the effective share after the sibling fallback rules.
	Share float64

	HistoricalCores  float64
	HistoricalMemory float64
	NormalizedCores  float64
	NormalizedMemory float64
	EffectiveCores   float64
	EffectiveMemory  float64

	NormalizedShare float64
	FairShareCores  float64
	FairShareMemory float64
}

// ProjectUsage aggregates the usage of all users of one project.
type ProjectUsage struct {
	Project      api.Project
	SiblingShare float64
	ActualCores  float64
	ActualMemory float64
	Users        []*UserUsage
}

// Table is one complete fair share computation result. A published table is
// immutable, readers may hold on to it without locking.
type Table struct {
	Projects   map[string]*ProjectUsage
	Users      map[string]*UserUsage
	ComputedAt time.Time
}

// Calculator derives priorities from the most recently published table.
type Calculator struct {
	identity api.IdentityDirectory
	usage    api.UsageReporter
	conf     configs.FairShareConfig
	clock    func() time.Time

	table   *Table
	metrics *metrics.SchedulerMetrics
	lock    sync.RWMutex
}

// NewCalculator wires the calculator to its collaborators. Both are
// required, a missing one is a startup configuration error.
func NewCalculator(identity api.IdentityDirectory, usage api.UsageReporter, conf configs.FairShareConfig) (*Calculator, error) {
	if identity == nil {
		return nil, &common.ConfigurationError{Component: "fairshare", Missing: "identity directory"}
	}
	if usage == nil {
		return nil, &common.ConfigurationError{Component: "fairshare", Missing: "usage reporter"}
	}
	return &Calculator{
		identity: identity,
		usage:    usage,
		conf:     conf,
		clock:    time.Now,
		metrics:  metrics.GetSchedulerMetrics(),
	}, nil
}

// CalculateFairShares runs the full recompute: pull membership and decayed
// usage windows, normalize shares and usage, derive the fair share factors
// and publish the fresh table. Pass no project ids to compute for all
// projects.
func (c *Calculator) CalculateFairShares(ctx context.Context, projectIDs []string) error {
	now := c.clock()
	projects, err := c.identity.ListProjects(ctx)
	if err != nil {
		return err
	}
	users, err := c.identity.ListUsers(ctx)
	if err != nil {
		return err
	}

	subset := make(map[string]bool, len(projectIDs))
	for _, id := range projectIDs {
		subset[id] = true
	}

	table := &Table{
		Projects:   make(map[string]*ProjectUsage),
		Users:      make(map[string]*UserUsage),
		ComputedAt: now,
	}
	totalShare := 0.0
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		if len(subset) > 0 && !subset[p.ID] {
			continue
		}
		table.Projects[p.ID] = &ProjectUsage{Project: p}
		totalShare += p.Share
		ids = append(ids, p.ID)
	}
	for _, u := range users {
		pu, ok := table.Projects[u.ProjectID]
		if !ok {
			continue
		}
		uu := &UserUsage{User: u, ProjectID: u.ProjectID}
		pu.Users = append(pu.Users, uu)
		table.Users[u.ID] = uu
	}

	// decayed lookback windows, most recent first
	periodLength := time.Duration(c.conf.PeriodLength) * 24 * time.Hour
	globalCores, globalMemory := 0.0, 0.0
	for period := 0; period < c.conf.Periods; period++ {
		to := now.Add(-time.Duration(period) * periodLength)
		from := to.Add(-periodLength)
		decay := math.Pow(c.conf.DecayWeight, float64(period))

		window, err := c.usage.GetResourceUsage(ctx, ids, from, to)
		if err != nil {
			return err
		}
		for projectID, byUser := range window {
			if _, ok := table.Projects[projectID]; !ok {
				continue
			}
			for userID, record := range byUser {
				globalCores += decay * record.Cores
				globalMemory += decay * record.Memory
				uu, ok := table.Users[userID]
				if !ok || uu.ProjectID != projectID {
					continue
				}
				uu.HistoricalCores += decay * record.Cores
				uu.HistoricalMemory += decay * record.Memory
			}
		}
	}

	for _, pu := range table.Projects {
		c.resolveShares(pu)
		for _, uu := range pu.Users {
			// a zero denominator means no usage anywhere: fall back
			// to the raw, unnormalized value
			uu.NormalizedCores = normalize(uu.HistoricalCores, globalCores)
			uu.NormalizedMemory = normalize(uu.HistoricalMemory, globalMemory)
			pu.ActualCores += uu.NormalizedCores
			pu.ActualMemory += uu.NormalizedMemory
		}
		for _, uu := range pu.Users {
			shareFraction := 0.0
			if pu.SiblingShare > 0 {
				shareFraction = uu.Share / pu.SiblingShare
			}
			projectFraction := pu.Project.Share
			if totalShare > 0 {
				projectFraction = pu.Project.Share / totalShare
			}
			uu.NormalizedShare = shareFraction * projectFraction

			// spread unused project capacity over the members
			// proportionally to their share of the project
			uu.EffectiveCores = uu.NormalizedCores + (pu.ActualCores-uu.NormalizedCores)*shareFraction
			uu.EffectiveMemory = uu.NormalizedMemory + (pu.ActualMemory-uu.NormalizedMemory)*shareFraction

			uu.FairShareCores = fairShare(uu.EffectiveCores, uu.NormalizedShare)
			uu.FairShareMemory = fairShare(uu.EffectiveMemory, uu.NormalizedShare)
		}
	}

	c.lock.Lock()
	c.table = table
	c.lock.Unlock()
	log.Log(log.FairShare).Info("fair shares recomputed",
		zap.Int("projects", len(table.Projects)),
		zap.Int("users", len(table.Users)),
		zap.Float64("globalCores", globalCores),
		zap.Float64("globalMemory", globalMemory))
	return nil
}

// resolveShares fills the effective per user shares and the sibling share of
// the project. A user without an explicit share falls back to the project
// share when it is the only member, or to 1 when the project itself has a
// share configured.
func (c *Calculator) resolveShares(pu *ProjectUsage) {
	for _, uu := range pu.Users {
		share := uu.User.Share
		if share == 0 {
			if len(pu.Users) == 1 {
				share = pu.Project.Share
			} else if pu.Project.Share > 0 {
				share = 1
			}
		}
		uu.Share = share
		pu.SiblingShare += share
	}
}

// CalculatePriority computes the priority of a new request: higher is more
// urgent. It fails with NotFoundError until the user shows up in a published
// table, CalculateFairShares must have run at least once.
//
// Only the seconds-of-day component of the age feeds the minutes term, the
// days component is dropped. Requests older than 24 hours are undercounted,
// TestCalculatePriorityAgeWrapsAtOneDay pins the behavior until product
// intent is clarified.
func (c *Calculator) CalculatePriority(userID, projectID string, createdAt time.Time, retryCount int) (int64, error) {
	c.lock.RLock()
	table := c.table
	c.lock.RUnlock()
	if table == nil {
		return 0, &common.NotFoundError{Kind: "usage table for user", ID: userID}
	}
	uu, ok := table.Users[userID]
	if !ok || uu.ProjectID != projectID {
		return 0, &common.NotFoundError{Kind: "user", ID: userID + "/" + projectID}
	}

	diff := c.clock().Sub(createdAt)
	secondsOfDay := int64(diff.Seconds()) % 86400
	ageMinutes := secondsOfDay / 60

	priority := c.conf.AgeWeight*float64(ageMinutes) +
		c.conf.VCPUsWeight*uu.FairShareCores +
		c.conf.MemoryWeight*uu.FairShareMemory -
		c.conf.AgeWeight*float64(retryCount)
	c.metrics.IncPriorityCalculations()
	return int64(priority), nil
}

// GetTable returns the most recently published table, nil before the first
// recompute. The table is immutable.
func (c *Calculator) GetTable() *Table {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.table
}

func normalize(value, total float64) float64 {
	if total == 0 {
		return value
	}
	return value / total
}

// fairShare is 2^(-usage/share), in (0,1], higher for users who consumed
// less than their entitlement. A zero share yields zero.
func fairShare(effectiveUsage, normalizedShare float64) float64 {
	if normalizedShare == 0 {
		return 0
	}
	return math.Exp2(-effectiveUsage / normalizedShare)
}
