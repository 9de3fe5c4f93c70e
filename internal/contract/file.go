package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ReadFile loads the last persisted heartbeat. A missing file is (nil, nil).
func ReadFile(path string) (*Heartbeat, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read contract file: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("decode contract file %s: %w", path, err)
	}
	return &hb, nil
}

// WriteFile replaces the persisted heartbeat atomically.
func WriteFile(path string, hb *Heartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write contract file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename contract file: %w", err)
	}
	return nil
}
