//go:build !linux

package arraystore

import (
	"sync"

	"github.com/hupe1980/apcluster/internal/fs"
)

var fileLocks sync.Map // path -> *sync.RWMutex

// lockFile falls back to one process-wide lock per file. Collective writes
// from several processes are only supported on Linux.
func lockFile(path string, _ fs.File, _, _ int64, exclusive bool) (func(), error) {
	v, _ := fileLocks.LoadOrStore(path, new(sync.RWMutex))
	mu := v.(*sync.RWMutex)
	if exclusive {
		mu.Lock()
		return mu.Unlock, nil
	}
	mu.RLock()
	return mu.RUnlock, nil
}
