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

package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fairsched/fairsched-core/pkg/log"
)

// Pool tracks the running workers, one per queue.
type Pool struct {
	workers map[string]*Worker
	lock    sync.Mutex
}

func NewPool() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Add registers and starts a worker under the queue name. Adding a second
// worker for the same queue stops the old one first.
func (p *Pool) Add(name string, w *Worker) {
	p.lock.Lock()
	old := p.workers[name]
	p.workers[name] = w
	p.lock.Unlock()
	if old != nil {
		log.Log(log.Dispatch).Warn("replacing running worker", zap.String("queue", name))
		old.Stop()
	}
	w.Run()
}

// Remove stops and forgets the worker for the queue name.
func (p *Pool) Remove(name string) {
	p.lock.Lock()
	w := p.workers[name]
	delete(p.workers, name)
	p.lock.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Get returns the worker for the queue name, nil when absent.
func (p *Pool) Get(name string) *Worker {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.workers[name]
}

// StopAll stops every worker and waits for their loops to exit.
func (p *Pool) StopAll() {
	p.lock.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for name, w := range p.workers {
		workers = append(workers, w)
		delete(p.workers, name)
	}
	p.lock.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}
