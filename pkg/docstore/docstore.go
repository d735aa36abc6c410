/*
Copyright 2021 The Everoute Authors.

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

// Package docstore is the collaborator interface for the out-of-scope
// document-store persistence layer (spec.md §6): idempotent upserts of EVC
// documents, keyed by id, via a MongoDB-style find_one_and_update.
package docstore

import (
	"context"
	"time"
)

// Document is the persisted shape of an EVC: all attributes plus the
// timestamps the store itself manages.
type Document struct {
	ID         string                 `json:"_id"`
	Fields     map[string]interface{} `json:"fields"`
	InsertedAt time.Time              `json:"inserted_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Store is the persistence collaborator. Upsert implements the $set (all
// fields except inserted_at) / $setOnInsert (inserted_at) split of spec.md
// §6. Load fetches one document by id; LoadAll returns every EVC document,
// archived ones included (skipping archived EVCs at boot happens in pkg/evc,
// using the archived flag LoadAll returns).
type Store interface {
	Upsert(ctx context.Context, id string, fields map[string]interface{}) error
	UpsertMany(ctx context.Context, docs map[string]map[string]interface{}) error
	Load(ctx context.Context, id string) (Document, bool, error)
	LoadAll(ctx context.Context) ([]Document, error)
}
