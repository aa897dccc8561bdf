package calllog

import (
	"context"
	"sync"
)

// defaultMemCap bounds the in-memory sink; the oldest records are dropped
// once the cap is reached.
const defaultMemCap = 1000

// MemSink is a bounded in-memory sink for tests and single-process setups.
type MemSink struct {
	mu      sync.Mutex
	cap     int
	records []Record
}

func NewMemSink() *MemSink {
	return &MemSink{cap: defaultMemCap}
}

func (s *MemSink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
	return nil
}

func (s *MemSink) List(_ context.Context, toolID string, page, size int) ([]Record, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		if toolID == "" || s.records[i].ToolID == toolID {
			matched = append(matched, s.records[i])
		}
	}
	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return []Record{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
