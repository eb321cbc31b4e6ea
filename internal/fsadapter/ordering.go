package fsadapter

import (
	"sort"

	"gate/internal/store"
)

// sortedAcquire implements the hard global multi-path rule from §4.3/§9:
// lexicographic sort on acquire. If any acquisition fails partway
// through, everything already granted is released in reverse order
// before the error is returned, so a failed multi-path operation never
// leaves a partial lock set held.
func (f *FS) sortedAcquire(keys []string) ([]store.LockInfo, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	infos := make([]store.LockInfo, 0, len(sorted))
	for _, key := range sorted {
		info, err := f.acquire(key, store.ModeWrite)
		if err != nil {
			f.sortedRelease(infos)
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// sortedRelease releases a set of locks acquired by sortedAcquire in the
// reverse of their acquisition order.
func (f *FS) sortedRelease(infos []store.LockInfo) {
	for i := len(infos) - 1; i >= 0; i-- {
		f.release(infos[i])
	}
}
