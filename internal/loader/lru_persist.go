package loader

import (
	"encoding/json"
	"os"
	"path/filepath"

	"enhanced/internal/common/fsutil"
)

type lruRecord struct {
	LastUsedUnix int64 `json:"last_used_unix"`
	EstMB        int   `json:"est_mb"`
}

func (l *Loader) loadLRUMetadata() {
	l.lruMeta = make(map[string]lruRecord)
	if l.lruPath == "" {
		return
	}
	f, err := os.Open(l.lruPath)
	if err != nil {
		return
	}
	defer f.Close()
	var data map[string]lruRecord
	if err := json.NewDecoder(f).Decode(&data); err == nil {
		l.lruMeta = data
	}
}

// recordLocked folds an instance into the metadata; callers hold mu.
func (l *Loader) recordLocked(inst *Instance) {
	l.lruMeta[inst.ModelID] = lruRecord{LastUsedUnix: inst.LastUsed.Unix(), EstMB: inst.EstMB}
}

func (l *Loader) saveLRUMetadata() {
	if l.lruPath == "" {
		return
	}
	l.mu.Lock()
	for _, inst := range l.instances {
		l.recordLocked(inst)
	}
	snap := make(map[string]lruRecord, len(l.lruMeta))
	for id, rec := range l.lruMeta {
		snap[id] = rec
	}
	l.mu.Unlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.lruPath), 0o755); err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(l.lruPath, b, 0o644); err != nil {
		l.log.Debug().Err(err).Msg("persist lru metadata")
	}
}
