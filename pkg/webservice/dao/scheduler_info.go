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

// Package dao holds the wire level response objects of the REST interface.
package dao

import "time"

type QueueDAOInfo struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Backlog int    `json:"backlog"`
	Size    int    `json:"size"`
}

type ResourcesDAOInfo struct {
	InUse map[string]float64 `json:"inUse"`
	Limit map[string]float64 `json:"limit"`
}

type QuotaDAOInfo struct {
	ProjectID   string           `json:"projectId"`
	Dynamic     bool             `json:"dynamic"`
	Resources   ResourcesDAOInfo `json:"resources"`
	Allocations int              `json:"allocations"`
	Pending     int              `json:"pending"`
	Errored     int              `json:"errored"`
}

type PriorityDAOInfo struct {
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
	Priority  int64     `json:"priority"`
}

type UserUsageDAOInfo struct {
	UserID          string  `json:"userId"`
	ProjectID       string  `json:"projectId"`
	HistoricalCores float64 `json:"historicalCores"`
	EffectiveCores  float64 `json:"effectiveCores"`
	NormalizedShare float64 `json:"normalizedShare"`
	FairShareCores  float64 `json:"fairShareCores"`
	FairShareMemory float64 `json:"fairShareMemory"`
}

type UsageDAOInfo struct {
	ComputedAt time.Time          `json:"computedAt"`
	Users      []UserUsageDAOInfo `json:"users"`
}

type ProjectRequestDAOInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Share     float64           `json:"share"`
	Dynamic   bool              `json:"dynamic"`
	Resources map[string]string `json:"resources,omitempty"`
}

// APIError is the common error body returned for any non 200 response.
type APIError struct {
	StatusCode  int    `json:"statusCode"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{
		StatusCode:  statusCode,
		Message:     message,
		Description: message,
	}
}
