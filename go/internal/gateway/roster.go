package gateway

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/events"
)

// RosterState keeps the latest timer tick per student, grouped by class.
// Ticks are applied last-writer-wins on server timestamp, so a delayed
// redelivery can never roll a teacher's view backwards.
type RosterState struct {
	mu      sync.RWMutex
	classes map[string]map[string]events.TimerTickPayload
}

func NewRosterState() *RosterState {
	return &RosterState{classes: make(map[string]map[string]events.TimerTickPayload)}
}

// Apply records a tick if it is newer than what we hold for the student.
// Returns false when the tick was stale and dropped.
func (r *RosterState) Apply(classKey string, tick events.TimerTickPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	class := r.classes[classKey]
	if class == nil {
		class = make(map[string]events.TimerTickPayload)
		r.classes[classKey] = class
	}
	if cur, ok := class[tick.StudentID]; ok && !tick.ServerTimestamp.After(cur.ServerTimestamp) {
		return false
	}
	class[tick.StudentID] = tick
	return true
}

// Remove drops a student's entry, typically after a day rollover.
func (r *RosterState) Remove(classKey, studentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if class, ok := r.classes[classKey]; ok {
		delete(class, studentID)
		if len(class) == 0 {
			delete(r.classes, classKey)
		}
	}
}

// Snapshot returns the current roster for a class as wire events, one per
// student. Teachers receive it on connect so their view is complete before
// the next tick lands.
func (r *RosterState) Snapshot(classKey string) []*WireEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class := r.classes[classKey]
	if len(class) == 0 {
		return nil
	}
	out := make([]*WireEvent, 0, len(class))
	for _, tick := range class {
		data, err := json.Marshal(tick)
		if err != nil {
			continue
		}
		out = append(out, &WireEvent{
			ID:        uuid.New().String(),
			Type:      events.TypeTimerTick,
			StudentID: tick.StudentID,
			Timestamp: tick.ServerTimestamp,
			Data:      data,
		})
	}
	return out
}
