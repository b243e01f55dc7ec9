package gate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoomRegistry maps classroom names to their authorized network identifiers.
type RoomRegistry struct {
	rooms map[string]string
}

type roomsFile struct {
	Rooms map[string]string `yaml:"rooms"`
}

// LoadRoomRegistry reads the classroom -> BSSID mapping from a YAML file:
//
//	rooms:
//	  "LH-101": "aa:bb:cc:dd:ee:ff"
func LoadRoomRegistry(path string) (*RoomRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read room registry: %w", err)
	}
	var f roomsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse room registry: %w", err)
	}
	return NewRoomRegistry(f.Rooms), nil
}

// NewRoomRegistry builds a registry from an in-memory mapping.
func NewRoomRegistry(rooms map[string]string) *RoomRegistry {
	normalized := make(map[string]string, len(rooms))
	for room, bssid := range rooms {
		normalized[room] = strings.ToLower(bssid)
	}
	return &RoomRegistry{rooms: normalized}
}

// BSSIDFor returns the authorized identifier for a room.
func (r *RoomRegistry) BSSIDFor(room string) (string, bool) {
	bssid, ok := r.rooms[room]
	return bssid, ok
}

// Matches reports whether an observed BSSID is the authorized one for a room.
func (r *RoomRegistry) Matches(room, observed string) bool {
	want, ok := r.rooms[room]
	return ok && want == strings.ToLower(observed)
}
