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

package queue

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/log"
)

// ----------------------------------
// queue events
// ----------------------------------
type QueueEvent int

const (
	Drain QueueEvent = iota
	Close
)

func (qe QueueEvent) String() string {
	return [...]string{"Drain", "Close"}[qe]
}

// ----------------------------------
// queue states
// Open accepts new items, Draining rejects enqueues while the backlog is
// removed administratively, Closed is terminal.
// ----------------------------------
type QueueState int

const (
	Open QueueState = iota
	Draining
	Closed
)

func (qs QueueState) String() string {
	return [...]string{"Open", "Draining", "Closed"}[qs]
}

func newQueueState() *fsm.FSM {
	return fsm.NewFSM(
		Open.String(), fsm.Events{
			{
				Name: Drain.String(),
				Src:  []string{Open.String(), Draining.String()},
				Dst:  Draining.String(),
			}, {
				Name: Close.String(),
				Src:  []string{Open.String(), Draining.String(), Closed.String()},
				Dst:  Closed.String(),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, event *fsm.Event) {
				log.Log(log.Queue).Info("queue transition",
					zap.Any("queue", event.Args[0]),
					zap.String("source", event.Src),
					zap.String("destination", event.Dst),
					zap.String("event", event.Event))
			},
		},
	)
}
