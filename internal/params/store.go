// Package params provides an in-memory store for bounded strategy
// parameters (confidence thresholds, target percentages, etc.) with JSON
// persistence and pub/sub so live components can react to tuning.
package params

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Param is one tunable value with its hard bounds. The tuner may propose
// changes, but a parameter never leaves [Min, Max].
type Param struct {
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Event notifies subscribers of parameter changes.
type Event struct {
	Type     string                      `json:"type"`               // "snapshot", "set"
	Strategy string                      `json:"strategy,omitempty"` // set only
	Name     string                      `json:"name,omitempty"`     // set only
	Value    float64                     `json:"value,omitempty"`    // set only
	Data     map[string]map[string]Param `json:"data,omitempty"`     // snapshot only
}

// Store holds strategy parameters in memory with JSON persistence and pub/sub.
type Store struct {
	mu       sync.RWMutex
	params   map[string]map[string]Param // strategy -> name -> param
	filePath string
	log      *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewStore creates a Store, loading persisted state from filePath.
func NewStore(filePath string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		params:   make(map[string]map[string]Param),
		filePath: filePath,
		log:      log,
		subs:     make(map[int]chan Event),
	}
	s.load()
	return s
}

// Define registers a parameter with its default value and bounds. A
// persisted value survives restarts: Define only fills gaps, never
// overwrites. Bounds are always refreshed from the definition.
func (s *Store) Define(strategy, name string, def, min, max float64) error {
	if min > max {
		return fmt.Errorf("params: %s/%s: min %v > max %v", strategy, name, min, max)
	}
	if def < min || def > max {
		return fmt.Errorf("params: %s/%s: default %v outside [%v, %v]", strategy, name, def, min, max)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params[strategy] == nil {
		s.params[strategy] = make(map[string]Param)
	}
	p, ok := s.params[strategy][name]
	if !ok {
		s.params[strategy][name] = Param{Value: def, Min: min, Max: max}
		s.flush()
		return nil
	}
	p.Min, p.Max = min, max
	if p.Value < min {
		p.Value = min
	}
	if p.Value > max {
		p.Value = max
	}
	s.params[strategy][name] = p
	s.flush()
	return nil
}

// Get returns a copy of all parameters for a strategy (nil-safe).
func (s *Store) Get(strategy string) map[string]Param {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.params[strategy]
	out := make(map[string]Param, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Values returns just the current values for a strategy. This is the
// snapshot a recommendation records at creation time.
func (s *Store) Values(strategy string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.params[strategy]
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.Value
	}
	return out
}

// Set updates a defined parameter, persists to disk, and broadcasts to
// subscribers. Values outside the parameter's bounds are rejected.
func (s *Store) Set(strategy, name string, value float64) error {
	s.mu.Lock()
	p, ok := s.params[strategy][name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("params: %s/%s: not defined", strategy, name)
	}
	if value < p.Min || value > p.Max {
		s.mu.Unlock()
		return fmt.Errorf("params: %s/%s: %v outside [%v, %v]", strategy, name, value, p.Min, p.Max)
	}
	p.Value = value
	s.params[strategy][name] = p
	s.flush()
	s.mu.Unlock()

	s.broadcast(Event{Type: "set", Strategy: strategy, Name: name, Value: value})
	return nil
}

// Snapshot returns a deep copy of all parameters across strategies.
func (s *Store) Snapshot() map[string]map[string]Param {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deepCopy()
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer; slow consumers will have events dropped.
func (s *Store) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subsMu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

// broadcast sends an event to all subscribers non-blocking (drop on full).
func (s *Store) broadcast(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow consumer — drop event.
		}
	}
}

// load reads the JSON file into memory.
func (s *Store) load() {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return // File doesn't exist yet — start empty.
	}
	var loaded map[string]map[string]Param
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("loading params file", "error", err)
		return
	}
	s.params = loaded
	s.log.Info("loaded strategy params", "strategies", len(loaded))
}

// flush writes the in-memory state to disk. Must be called with mu held.
func (s *Store) flush() {
	data, err := json.Marshal(s.params)
	if err != nil {
		s.log.Error("marshalling params", "error", err)
		return
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		s.log.Error("writing params file", "error", err)
	}
}

// deepCopy returns a deep copy of params. Must be called with mu held (read or write).
func (s *Store) deepCopy() map[string]map[string]Param {
	out := make(map[string]map[string]Param, len(s.params))
	for strategy, m := range s.params {
		inner := make(map[string]Param, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out[strategy] = inner
	}
	return out
}
