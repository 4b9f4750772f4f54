// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package vector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/mnemo/pkg/store"
)

// SyncFromStore backfills vectors for store records that have none yet:
// rows written while the embedding backend was down, or before vector
// search was enabled. Runs at startup and on the maintenance schedule.
// Individual embed failures are logged and skipped so one bad record does
// not block the sweep.
func (x *Index) SyncFromStore(ctx context.Context, st *store.Store) (int, error) {
	if !x.Enabled() {
		return 0, nil
	}

	synced := 0

	obsIndexed, err := x.IndexedRecordIDs(KindObservation)
	if err != nil {
		return 0, fmt.Errorf("list indexed observations: %w", err)
	}
	observations, err := st.AllObservations()
	if err != nil {
		return 0, fmt.Errorf("load observations for sync: %w", err)
	}
	for _, obs := range observations {
		if obsIndexed[obs.ID] || obs.SearchText() == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		rec := Record{
			Kind:      KindObservation,
			RecordID:  obs.ID,
			Project:   obs.Project,
			Type:      string(obs.Type),
			CreatedAt: obs.CreatedAt,
			Text:      obs.SearchText(),
		}
		if err := x.Upsert(ctx, rec); err != nil {
			x.logger.Warn("backfill observation vector",
				zap.Int64("id", obs.ID), zap.Error(err))
			continue
		}
		synced++
	}

	sumIndexed, err := x.IndexedRecordIDs(KindSummary)
	if err != nil {
		return synced, fmt.Errorf("list indexed summaries: %w", err)
	}
	summaries, err := st.AllSummaries()
	if err != nil {
		return synced, fmt.Errorf("load summaries for sync: %w", err)
	}
	for _, sum := range summaries {
		if sumIndexed[sum.ID] || sum.SearchText() == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		rec := Record{
			Kind:      KindSummary,
			RecordID:  sum.ID,
			Project:   sum.Project,
			CreatedAt: sum.CreatedAt,
			Text:      sum.SearchText(),
		}
		if err := x.Upsert(ctx, rec); err != nil {
			x.logger.Warn("backfill summary vector",
				zap.Int64("id", sum.ID), zap.Error(err))
			continue
		}
		synced++
	}

	if synced > 0 {
		x.logger.Info("vector backfill complete", zap.Int("records", synced))
	}
	return synced, nil
}
