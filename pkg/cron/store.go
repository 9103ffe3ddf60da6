package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// loadStore reads jobs.json. A missing file is an empty store.
func loadStore(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var store storeFile
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}
	if store.Version > storeVersion {
		return nil, fmt.Errorf("unsupported jobs file version %d", store.Version)
	}

	jobs := store.Jobs[:0]
	for _, job := range store.Jobs {
		if job == nil || job.ID == "" {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// saveStore replaces jobs.json atomically.
func saveStore(path string, jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := path + ".tmp"
	f, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
