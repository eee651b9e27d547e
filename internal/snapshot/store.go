// Package snapshot persists a diagnostic dump of the in-memory lot
// inventory. The dump is write-only from the engine's point of view: the
// trade ledger is authoritative, the snapshot exists for operator visibility
// and crash forensics.
package snapshot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

type Inventory struct {
	SnapshotID string          `json:"snapshot_id"`
	Symbol     string          `json:"symbol"`
	NextLevel  int             `json:"next_level"`
	RefPrice   decimal.Decimal `json:"buy_reference_price"`
	Lots       []core.Lot      `json:"lots"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type RuntimeStatus struct {
	Symbol     string    `json:"symbol"`
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastError  string    `json:"last_error,omitempty"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) SaveInventory(inv Inventory) error {
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = time.Now().UTC()
	}
	if inv.SnapshotID == "" {
		inv.SnapshotID = uuid.New().String()
	}
	if inv.Lots == nil {
		inv.Lots = make([]core.Lot, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.inventoryPath(), inv)
}

// LoadInventory reads the last dump. Forensics only; never fed back into the
// engine.
func (s *Store) LoadInventory() (Inventory, bool, error) {
	data, err := os.ReadFile(s.inventoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Inventory{}, false, nil
		}
		return Inventory{}, false, err
	}
	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return Inventory{}, false, err
	}
	return inv, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	status.PID = os.Getpid()
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) inventoryPath() string {
	return filepath.Join(s.root, "inventory.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func writeJSONAtomic(path string, payload interface{}) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
