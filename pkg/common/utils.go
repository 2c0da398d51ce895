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
	"fmt"
	"time"

	"github.com/google/uuid"
)

const Empty = ""

// GetNewUUID generates a new uuid. The chance that we generate a collision is really small.
func GetNewUUID() string {
	return uuid.NewString()
}

// WaitForCondition polls the condition until it returns true or the timeout
// expires. Used by tests that need to observe background goroutines.
func WaitForCondition(eval func() bool, interval time.Duration, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if eval() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for condition")
		}
		time.Sleep(interval)
	}
}
