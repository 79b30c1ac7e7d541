package runner

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

// Metrics is the in-process tally a worker reports when it stops.
type Metrics struct {
	mu sync.Mutex

	Claimed     int64 `json:"claimed"`
	Succeeded   int64 `json:"succeeded"`
	Retried     int64 `json:"retried"`
	Canceled    int64 `json:"canceled"`
	Faults      int64 `json:"faults"`
	Reclaimed   int64 `json:"reclaimed"`
	LostRaces   int64 `json:"lost_finalize"`
	StoreErrors int64 `json:"store_errors"`
}

func (m *Metrics) Record(o *queue.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Claimed++
	if o.Reclaimed {
		m.Reclaimed++
	}
	if o.Fault != nil {
		m.Faults++
	}
	if !o.Applied {
		m.LostRaces++
		return
	}
	switch o.FinalState() {
	case status.Finished:
		m.Succeeded++
	case status.Waiting:
		m.Retried++
	case status.Canceled:
		m.Canceled++
	}
}

func (m *Metrics) RecordStoreError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StoreErrors++
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Claimed:     m.Claimed,
		Succeeded:   m.Succeeded,
		Retried:     m.Retried,
		Canceled:    m.Canceled,
		Faults:      m.Faults,
		Reclaimed:   m.Reclaimed,
		LostRaces:   m.LostRaces,
		StoreErrors: m.StoreErrors,
	}
}

func (m *Metrics) Log(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("Worker summary",
		"claimed", s.Claimed,
		"succeeded", s.Succeeded,
		"retried", s.Retried,
		"canceled", s.Canceled,
		"faults", s.Faults,
		"reclaimed", s.Reclaimed,
		"lost_finalize", s.LostRaces,
		"store_errors", s.StoreErrors,
	)
	if path := os.Getenv("REPORT_JSON"); path != "" {
		if err := s.WriteJSON(path); err != nil {
			logger.Warn("Failed to write report", "path", path, "error", err)
		}
	}
}

func (m *Metrics) WriteJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
