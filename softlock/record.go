package softlock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jrsteele09/go-session-guard/storage"
)

const recordKey = "state"

// record is the persisted part of the machine. It is written as a single
// value so one Set is an atomic update of every field.
type record struct {
	Enabled         bool      `json:"enabled"`
	Locked          bool      `json:"locked"`
	LastUnlockTime  time.Time `json:"lastUnlockTime,omitzero"`
	FailedAttempts  int       `json:"failedAttempts,omitempty"`
	BlockExpireTime time.Time `json:"blockExpireTime,omitzero"`
}

func (r record) blocked(now time.Time) bool {
	return !r.BlockExpireTime.IsZero() && now.Before(r.BlockExpireTime)
}

type recordStore struct {
	store storage.Store
}

// load returns the persisted record. A missing record is not an error.
func (rs recordStore) load() (record, bool, error) {
	raw, err := rs.store.Get(recordKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return record{}, false, nil
		}
		return record{}, false, fmt.Errorf("read lock state: %w", err)
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return record{}, false, fmt.Errorf("decode lock state: %w", err)
	}
	return r, true, nil
}

func (rs recordStore) save(r record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}
	if err := rs.store.Set(recordKey, raw); err != nil {
		return fmt.Errorf("write lock state: %w", err)
	}
	return nil
}

func (rs recordStore) clear() error {
	if err := rs.store.Remove(recordKey); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("remove lock state: %w", err)
	}
	return nil
}
