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

package resources

import (
	"testing"

	"gotest.tools/v3/assert"
)

func res(cores, memory Quantity) *Resource {
	return NewResourceFromMap(map[string]Quantity{Cores: cores, Memory: memory})
}

func TestNewResourceFromConf(t *testing.T) {
	parsed, err := NewResourceFromConf(map[string]string{Cores: "2.5", Memory: "1024"})
	assert.NilError(t, err)
	assert.Equal(t, parsed.Get(Cores), Quantity(2.5))
	assert.Equal(t, parsed.Get(Memory), Quantity(1024))

	parsed, err = NewResourceFromConf(map[string]string{Cores: "-1"})
	assert.NilError(t, err, "unlimited sentinel must parse")
	assert.Equal(t, parsed.Get(Cores), Unlimited)

	_, err = NewResourceFromConf(map[string]string{Cores: "-5"})
	assert.Assert(t, err != nil, "negative quantity must be rejected")

	_, err = NewResourceFromConf(map[string]string{Cores: "lots"})
	assert.Assert(t, err != nil, "non numeric quantity must be rejected")
}

func TestAddSub(t *testing.T) {
	sum := Add(res(1, 100), res(2, 200))
	assert.Assert(t, Equals(sum, res(3, 300)))
	assert.Assert(t, Equals(Add(nil, res(1, 1)), res(1, 1)), "nil is the empty resource")

	diff := Sub(res(3, 300), res(1, 100))
	assert.Assert(t, Equals(diff, res(2, 200)))
	assert.Assert(t, Sub(res(0, 0), res(1, 0)).HasNegative(), "plain sub may go negative")
}

func TestAddToUpdatesInPlace(t *testing.T) {
	base := res(1, 100)
	AddTo(base, res(2, 50))
	assert.Assert(t, Equals(base, res(3, 150)))
	AddTo(base, nil)
	assert.Assert(t, Equals(base, res(3, 150)))
}

func TestSubFromClamped(t *testing.T) {
	base := res(3, 100)
	clamped := SubFromClamped(base, res(1, 40))
	assert.Assert(t, !clamped)
	assert.Assert(t, Equals(base, res(2, 60)))

	clamped = SubFromClamped(base, res(5, 10))
	assert.Assert(t, clamped, "over-release must report the clamp")
	assert.Equal(t, base.Get(Cores), Quantity(0), "usage can never go negative")
	assert.Equal(t, base.Get(Memory), Quantity(50))
}

func TestFitIn(t *testing.T) {
	limit := res(10, 1000)
	assert.Assert(t, FitIn(limit, res(8, 500), res(2, 500)))
	assert.Assert(t, !FitIn(limit, res(8, 500), res(3, 100)), "cores headroom exceeded")
	assert.Assert(t, FitIn(nil, res(100, 100), res(100, 100)), "nil limit fits everything")

	// kind absent from a configured limit is denied
	instanceAsk := NewResourceFromMap(map[string]Quantity{Instances: 1})
	assert.Assert(t, !FitIn(limit, nil, instanceAsk))

	// unlimited kind always fits
	unlimited := NewResourceFromMap(map[string]Quantity{Cores: Unlimited})
	assert.Assert(t, FitIn(unlimited, res(1000, 0), res(1000, 0)))
}

func TestExceedsLimit(t *testing.T) {
	limit := res(10, 1000)
	assert.Equal(t, ExceedsLimit(limit, res(10, 1000)), "")
	assert.Equal(t, ExceedsLimit(limit, res(11, 2000)), Cores, "first offending kind in sorted order")
	assert.Equal(t, ExceedsLimit(limit, res(1, 2000)), Memory)
	assert.Equal(t, ExceedsLimit(nil, res(1000, 1000)), "")

	unlimited := NewResourceFromMap(map[string]Quantity{Cores: Unlimited})
	assert.Equal(t, ExceedsLimit(unlimited, res(1000, 0)), "")
}

func TestEqualsTreatsZeroAsMissing(t *testing.T) {
	assert.Assert(t, Equals(res(1, 0), NewResourceFromMap(map[string]Quantity{Cores: 1})))
	assert.Assert(t, Equals(nil, NewResource()))
	assert.Assert(t, !Equals(res(1, 0), res(2, 0)))
}

func TestCloneSkipsZeroValues(t *testing.T) {
	clone := res(2, 0).Clone()
	_, ok := clone.Resources[Memory]
	assert.Assert(t, !ok)
	assert.Equal(t, clone.Get(Cores), Quantity(2))
}

func TestCalcRatio(t *testing.T) {
	assert.Equal(t, CalcRatio(5, 10), 0.5)
	assert.Equal(t, CalcRatio(5, 0), 0.0)
	assert.Equal(t, CalcRatio(5, Unlimited), 0.0)
}
