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

package common

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed returned on enqueue or blocking dequeue after Close()
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQuotaClosed returned on allocate against a closed quota
	ErrQuotaClosed = errors.New("quota is closed")
	// ErrSharedQuotaDisabled returned on an ephemeral allocation while the shared pool is disabled
	ErrSharedQuotaDisabled = errors.New("shared quota is disabled")
)

// ConfigurationError signals a missing required collaborator or setting at
// startup. The affected component must not start.
type ConfigurationError struct {
	Component string
	Missing   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: missing required configuration %q", e.Component, e.Missing)
}

// QuotaExceededError is returned when a request can never fit the hard limit
// of a resource kind. It is a terminal caller error, never retried.
type QuotaExceededError struct {
	EntityID     string
	ResourceKind string
	Requested    float64
	Limit        float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("allocation %q exceeds quota: %s requested %v, hard limit %v",
		e.EntityID, e.ResourceKind, e.Requested, e.Limit)
}

// DuplicateAllocationError is returned when an entity id is already tracked
// as active or errored. This is a caller bug, not a transient condition.
type DuplicateAllocationError struct {
	EntityID string
}

func (e *DuplicateAllocationError) Error() string {
	return fmt.Sprintf("entity %q is already allocated", e.EntityID)
}

// NotFoundError is returned when a referenced project, user, queue or item
// is not part of the tracked set.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
