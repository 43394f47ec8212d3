// Package lock provides mutual exclusion across pipeline invocations
// that may run on different processes sharing one database.
package lock

// Well-known lock identifiers. Advisory locks are keyed by integer; each
// guarded critical section owns one id.
const (
	MigrationLock = 7300
	SessionLock   = 7301
	DownloadLock  = 7302
)

// Manager acquires and releases named exclusive locks.
type Manager interface {
	Acquire(lockID int) error
	Release(lockID int) error
}
