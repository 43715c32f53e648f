package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// load reads allowlist/policy/safebins from the engine directory. Missing
// files keep defaults; corrupt files are an error rather than a silent reset.
func (e *Engine) load() error {
	if err := readJSON(filepath.Join(e.dir, policyFile), &e.policy); err != nil {
		return err
	}
	if err := readJSON(filepath.Join(e.dir, allowlistFile), &e.allowlist); err != nil {
		return err
	}
	var bins []string
	if err := readJSON(filepath.Join(e.dir, safeBinsFile), &bins); err != nil {
		return err
	}
	if bins != nil {
		e.safeBins = make(map[string]struct{}, len(bins))
		for _, b := range bins {
			e.safeBins[b] = struct{}{}
		}
	}
	return nil
}

// saveLocked persists all three files atomically. Caller holds e.mu.
func (e *Engine) saveLocked() error {
	if e.dir == "" {
		return nil
	}
	if err := writeJSONAtomic(filepath.Join(e.dir, policyFile), e.policy); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(e.dir, allowlistFile), e.allowlist); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(e.dir, safeBinsFile), sortedKeys(e.safeBins))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes via temp file + rename so a crash never leaves a
// half-written config behind.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "approval-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
