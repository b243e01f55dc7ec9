package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketOfflineSessions = []byte("offline_sessions")

// OfflineRecord is the single buffered claim per student. While the device is
// offline the record is overwritten in place so at most one claim exists to
// sync when connectivity returns.
type OfflineRecord struct {
	StudentID        string    `json:"studentId"`
	OfflineStartTime time.Time `json:"offlineStartTime"`
	OfflineEndTime   time.Time `json:"offlineEndTime"`
	LastKnownSeconds int       `json:"lastKnownSeconds"`
	LectureSubject   string    `json:"lectureSubject"`
}

// OfflineBuffer persists offline attendance claims across app restarts.
type OfflineBuffer struct {
	db *bolt.DB
}

// NewOfflineBuffer opens the buffer database under dataDir.
func NewOfflineBuffer(dataDir string) (*OfflineBuffer, error) {
	dbPath := filepath.Join(dataDir, "attendance-agent.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOfflineSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &OfflineBuffer{db: db}, nil
}

// Close closes the database.
func (b *OfflineBuffer) Close() error {
	return b.db.Close()
}

// Put stores the record for its student, replacing any previous one.
func (b *OfflineBuffer) Put(rec OfflineRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOfflineSessions).Put([]byte(rec.StudentID), data)
	})
}

// Get returns the buffered record for a student, or nil when none exists.
func (b *OfflineBuffer) Get(studentID string) (*OfflineRecord, error) {
	var rec *OfflineRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOfflineSessions).Get([]byte(studentID))
		if data == nil {
			return nil
		}
		rec = &OfflineRecord{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// Delete removes the student's record after a successful sync.
func (b *OfflineBuffer) Delete(studentID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOfflineSessions).Delete([]byte(studentID))
	})
}
