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
	"sort"
	"sync"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
)

// Store is the durable backing of a queue. The in-memory heap only carries
// item headers, payloads are hydrated on dequeue. Ids are assigned by the
// store on insert so a process restart can rebuild the in-memory state via
// LoadAll.
type Store interface {
	Insert(ctx context.Context, item *Item, payload *api.Request) (int64, error)
	FetchPayload(ctx context.Context, id int64) (*api.Request, error)
	Update(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id int64) error
	LoadAll(ctx context.Context, queueName string) ([]*Item, error)
}

type storedItem struct {
	header  Item
	payload *api.Request
}

// MemoryStore keeps items in process. Default store and the test double.
type MemoryStore struct {
	items  map[int64]*storedItem
	nextID int64
	lock   sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[int64]*storedItem)}
}

func (s *MemoryStore) Insert(_ context.Context, item *Item, payload *api.Request) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	item.ID = s.nextID
	s.items[item.ID] = &storedItem{header: *item, payload: payload}
	return item.ID, nil
}

func (s *MemoryStore) FetchPayload(_ context.Context, id int64) (*api.Request, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored, ok := s.items[id]
	if !ok {
		return nil, &common.NotFoundError{Kind: "queue item", ID: itemID(id)}
	}
	return stored.payload, nil
}

func (s *MemoryStore) Update(_ context.Context, item *Item) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	stored, ok := s.items[item.ID]
	if !ok {
		return &common.NotFoundError{Kind: "queue item", ID: itemID(item.ID)}
	}
	stored.header = *item
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.items[id]; !ok {
		return &common.NotFoundError{Kind: "queue item", ID: itemID(id)}
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context, queueName string) ([]*Item, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*Item
	for _, stored := range s.items {
		if stored.header.Queue != queueName {
			continue
		}
		header := stored.header
		out = append(out, &header)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
