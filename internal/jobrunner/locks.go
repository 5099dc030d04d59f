package jobrunner

import "path"

// ResourceLocks maps a normalized write path to the task id that
// currently owns it. Paths are compared lexically after POSIX
// normalization only — no symlink or filesystem resolution, so two
// paths differing only by a symlink hop are treated as distinct.
//
// Accessed only from the dispatcher goroutine in the serial job
// runner, so it carries no internal locking; a future parallel
// dispatcher would need to wrap every method in a mutex.
type ResourceLocks struct {
	owners map[string]string
}

// NewResourceLocks returns an empty lock table.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{owners: make(map[string]string)}
}

func normalize(p string) string {
	return path.Clean(p)
}

// CanLock reports whether every path in paths is either unowned or
// already owned by taskID (all-or-nothing acquisition check).
func (r *ResourceLocks) CanLock(taskID string, paths []string) bool {
	for _, p := range paths {
		if owner, ok := r.owners[normalize(p)]; ok && owner != taskID {
			return false
		}
	}
	return true
}

// Acquire unconditionally claims every path for taskID. Callers must
// have already verified CanLock.
func (r *ResourceLocks) Acquire(taskID string, paths []string) {
	for _, p := range paths {
		r.owners[normalize(p)] = taskID
	}
}

// Release frees every path owned by taskID.
func (r *ResourceLocks) Release(taskID string) {
	for p, owner := range r.owners {
		if owner == taskID {
			delete(r.owners, p)
		}
	}
}
