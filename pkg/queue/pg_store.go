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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairsched/fairsched-core/pkg/api"
	"github.com/fairsched/fairsched-core/pkg/common"
)

const queueItemSchema = `
CREATE TABLE IF NOT EXISTS queue_item (
	id          BIGSERIAL PRIMARY KEY,
	queue       TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	priority    BIGINT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	created     TIMESTAMPTZ NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_item_queue_idx ON queue_item (queue);`

// PostgresStore persists queue items in a postgres table so the in-memory
// backlog survives a process restart.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) (*PostgresStore, error) {
	if db == nil {
		return nil, &common.ConfigurationError{Component: "postgres store", Missing: "connection pool"}
	}
	return &PostgresStore{db: db}, nil
}

// Init creates the backing table when it does not exist yet.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, queueItemSchema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, item *Item, payload *api.Request) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize request payload: %w", err)
	}
	row := s.db.QueryRow(ctx,
		`INSERT INTO queue_item (queue, user_id, project_id, priority, retry_count, created, last_update, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		item.Queue, item.UserID, item.ProjectID, item.Priority, item.RetryCount, item.CreatedAt, item.LastUpdate, body)
	var id int64
	if err = row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) FetchPayload(ctx context.Context, id int64) (*api.Request, error) {
	row := s.db.QueryRow(ctx, `SELECT payload FROM queue_item WHERE id = $1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &common.NotFoundError{Kind: "queue item", ID: itemID(id)}
		}
		return nil, err
	}
	payload := &api.Request{}
	if err := json.Unmarshal(body, payload); err != nil {
		return nil, fmt.Errorf("failed to deserialize request payload: %w", err)
	}
	return payload, nil
}

func (s *PostgresStore) Update(ctx context.Context, item *Item) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE queue_item SET priority = $1, retry_count = $2, last_update = $3 WHERE id = $4`,
		item.Priority, item.RetryCount, item.LastUpdate, item.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &common.NotFoundError{Kind: "queue item", ID: itemID(item.ID)}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM queue_item WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &common.NotFoundError{Kind: "queue item", ID: itemID(id)}
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context, queueName string) ([]*Item, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, queue, user_id, project_id, priority, retry_count, created, last_update
		 FROM queue_item WHERE queue = $1 ORDER BY id`, queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		item := &Item{}
		if err = rows.Scan(&item.ID, &item.Queue, &item.UserID, &item.ProjectID,
			&item.Priority, &item.RetryCount, &item.CreatedAt, &item.LastUpdate); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
