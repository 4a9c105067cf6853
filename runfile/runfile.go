// Package runfile reads and writes the companion record a broker
// leaves next to its socket: process id, protocol version, socket
// path, and start time. Callers use it for liveness checks and for
// detecting version skew between their build and a running daemon.
package runfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Record is the JSON content of a runfile.
type Record struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	Socket    string    `json:"socket"`
	StartedAt time.Time `json:"started_at"`
}

// Write atomically replaces the runfile at path.
func Write(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("runfile: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("runfile: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("runfile: replace: %w", err)
	}
	return nil
}

// Read loads the runfile at path. A missing file returns os.ErrNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("runfile: decode %s: %w", path, err)
	}
	return rec, nil
}

// Remove deletes the runfile. Missing files are not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("runfile: remove: %w", err)
	}
	return nil
}

// IsAlive reports whether the recorded process still exists. Signal 0
// probes without delivering anything.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
