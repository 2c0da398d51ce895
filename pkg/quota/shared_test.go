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

package quota

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/fairsched/fairsched-core/pkg/common"
	"github.com/fairsched/fairsched-core/pkg/common/resources"
)

func TestDynamicProjectsShareThePool(t *testing.T) {
	shared := NewSharedQuota(testLimit(t, "10", "4096"), true)
	q1, err := NewQuota("dyn-1", resources.NewResource(), true, shared)
	assert.NilError(t, err)
	q2, err := NewQuota("dyn-2", resources.NewResource(), true, shared)
	assert.NilError(t, err)

	ok, err := q1.Allocate("a", ask(6, 1024), false)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	// pool is shared: the second project sees the first project's usage
	ok, err = q2.Allocate("b", ask(6, 1024), false)
	assert.NilError(t, err)
	assert.Assert(t, !ok, "pool only has 4 cores left, 6 must not fit")

	ok, err = q2.Allocate("c", ask(4, 1024), false)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, resources.Equals(shared.Used(), ask(10, 2048)), "pool usage: %s", shared.Used())

	// release from one project frees capacity for the other
	assert.Assert(t, q1.Release("a", nil))
	ok, err = q2.Allocate("b", ask(6, 1024), false)
	assert.NilError(t, err)
	assert.Assert(t, ok)
}

func TestDynamicQuotaRequiresPool(t *testing.T) {
	_, err := NewQuota("dyn-1", resources.NewResource(), true, nil)
	var confErr *common.ConfigurationError
	assert.Assert(t, errors.As(err, &confErr), "expected configuration error, got %v", err)
}

func TestDisabledPoolRejectsAllocations(t *testing.T) {
	shared := NewSharedQuota(testLimit(t, "10", "4096"), false)
	q, err := NewQuota("dyn-1", resources.NewResource(), true, shared)
	assert.NilError(t, err)

	ok, err := q.Allocate("a", ask(1, 1), false)
	assert.Assert(t, !ok)
	assert.Assert(t, errors.Is(err, common.ErrSharedQuotaDisabled), "expected disabled error, got %v", err)

	shared.Enable()
	ok, err = q.Allocate("a", ask(1, 1), false)
	assert.NilError(t, err)
	assert.Assert(t, ok)
}

func TestReleaseWakesWaiterOnOtherDynamicQuota(t *testing.T) {
	shared := NewSharedQuota(testLimit(t, "10", "4096"), true)
	q1, err := NewQuota("dyn-1", resources.NewResource(), true, shared)
	assert.NilError(t, err)
	q2, err := NewQuota("dyn-2", resources.NewResource(), true, shared)
	assert.NilError(t, err)

	ok, err := q1.Allocate("a", ask(10, 1024), false)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	done := make(chan bool, 1)
	go func() {
		allocated, _ := q2.Allocate("b", ask(5, 512), true)
		done <- allocated
	}()

	select {
	case <-done:
		t.Fatal("blocking allocate returned before the pool had room")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Assert(t, q1.Release("a", nil))
	select {
	case allocated := <-done:
		assert.Assert(t, allocated, "waiter on the other quota should have been woken")
	case <-time.After(2 * time.Second):
		t.Fatal("pool release did not wake the waiter")
	}
	assert.Assert(t, !shared.LastRelease().IsZero())
	assert.Assert(t, !shared.LastAllocation().IsZero())
}

func TestSharedLimitGrowthUnblocksWaiter(t *testing.T) {
	shared := NewSharedQuota(testLimit(t, "4", "4096"), true)
	q, err := NewQuota("dyn-1", resources.NewResource(), true, shared)
	assert.NilError(t, err)

	ok, err := q.Allocate("a", ask(4, 512), false)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	done := make(chan bool, 1)
	go func() {
		allocated, _ := q.Allocate("b", ask(2, 512), true)
		done <- allocated
	}()

	select {
	case <-done:
		t.Fatal("blocking allocate returned before the limit grew")
	case <-time.After(100 * time.Millisecond):
	}

	shared.SetLimit(testLimit(t, "8", "4096"))
	select {
	case allocated := <-done:
		assert.Assert(t, allocated, "limit growth should unblock the waiter")
	case <-time.After(2 * time.Second):
		t.Fatal("limit growth did not wake the waiter")
	}
}
