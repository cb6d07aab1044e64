// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package checkpoint

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps the checkpoint in process memory. State is lost on exit,
// so it is only useful for tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	watermark *time.Time
	tracked   map[string]string
	locked    bool
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Locker = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tracked: make(map[string]string)}
}

func (s *MemoryStore) GetWatermark(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermark == nil {
		return time.Time{}, false, nil
	}
	return *s.watermark, true, nil
}

func (s *MemoryStore) PutWatermark(_ context.Context, wm time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = &wm
	return nil
}

func (s *MemoryStore) ListTracked(_ context.Context) ([]TrackedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := slices.Sorted(maps.Keys(s.tracked))
	out := make([]TrackedEntry, 0, len(keys))
	for _, k := range keys {
		if IsReserved(k) {
			continue
		}
		out = append(out, TrackedEntry{Key: k, Status: s.tracked[k]})
	}
	return out, nil
}

func (s *MemoryStore) PutTracked(_ context.Context, key, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[key] = status
	return nil
}

func (s *MemoryStore) DeleteTracked(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, key)
	return nil
}

// TryLock provides an in-process lock only.
func (s *MemoryStore) TryLock(_ context.Context) (UnlockFunc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, false, nil
	}
	s.locked = true
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.locked = false
		return nil
	}, true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
