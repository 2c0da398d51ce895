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

package configs

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestDefaults(t *testing.T) {
	conf := DefaultSchedulerConfig()
	assert.NilError(t, Validate(conf))
	assert.Equal(t, conf.Tick.Interval, DefaultTickInterval)
	assert.Equal(t, conf.FairShare.Periods, DefaultPeriods)
	assert.Equal(t, conf.FairShare.DecayWeight, DefaultDecayWeight)
	assert.Equal(t, conf.Queue.BackfillDepth, DefaultBackfillDepth)
	assert.Equal(t, conf.Web.Port, DefaultWebPort)
	assert.Assert(t, conf.SharedPool.Enabled)
}

func TestParseOverridesDefaults(t *testing.T) {
	content := `
tick:
  interval: 30s
fairShare:
  periods: 5
  decayWeight: 0.25
queue:
  backfillDepth: 4
  dequeueTimeout: 250ms
quota:
  defaultProjectResources:
    cores: "16"
    memory: "32768"
sharedPool:
  enabled: false
  resources:
    cores: "100"
store:
  postgresDSN: postgres://fairsched@localhost/fairsched
web:
  port: 8088
`
	conf, err := ParseSchedulerConfig([]byte(content))
	assert.NilError(t, err)
	assert.Equal(t, conf.Tick.Interval, 30*time.Second)
	assert.Equal(t, conf.FairShare.Periods, 5)
	assert.Equal(t, conf.FairShare.DecayWeight, 0.25)
	// unset values keep their defaults
	assert.Equal(t, conf.FairShare.PeriodLength, DefaultPeriodLength)
	assert.Equal(t, conf.Queue.BackfillDepth, 4)
	assert.Equal(t, conf.Queue.DequeueTimeout, 250*time.Millisecond)
	assert.Equal(t, conf.Quota.DefaultProjectResources["cores"], "16")
	assert.Assert(t, !conf.SharedPool.Enabled)
	assert.Equal(t, conf.SharedPool.Resources["cores"], "100")
	assert.Equal(t, conf.Store.PostgresDSN, "postgres://fairsched@localhost/fairsched")
	assert.Equal(t, conf.Web.Port, 8088)
}

func TestParseRejectsInvalidYaml(t *testing.T) {
	_, err := ParseSchedulerConfig([]byte("tick: ["))
	assert.Assert(t, err != nil)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SchedulerConfig)
	}{
		{"zero tick", func(c *SchedulerConfig) { c.Tick.Interval = 0 }},
		{"zero periods", func(c *SchedulerConfig) { c.FairShare.Periods = 0 }},
		{"zero period length", func(c *SchedulerConfig) { c.FairShare.PeriodLength = 0 }},
		{"decay too large", func(c *SchedulerConfig) { c.FairShare.DecayWeight = 1.5 }},
		{"decay zero", func(c *SchedulerConfig) { c.FairShare.DecayWeight = 0 }},
		{"negative backfill", func(c *SchedulerConfig) { c.Queue.BackfillDepth = -1 }},
		{"port out of range", func(c *SchedulerConfig) { c.Web.Port = 70000 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conf := DefaultSchedulerConfig()
			tc.mutate(conf)
			assert.Assert(t, Validate(conf) != nil)
		})
	}
}
