// Package lockfile keeps a single active writer per pipeline role.
//
// Locks are flock-based, so the kernel releases them when the process exits,
// gracefully or not. Each role (ingest, consume) has its own lock file so both
// roles can share one state directory.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const maxAcquireAttempts = 3

// FileName returns the lock file name for a role.
func FileName(role string) string {
	if role == "" {
		return "memorypipe.lock"
	}
	return "memorypipe-" + role + ".lock"
}

// Lock represents an active directory lock.
type Lock struct {
	file     *os.File
	path     string
	role     string
	acquired bool
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// AcquireLock takes the exclusive lock for role in stateDir. If another process
// holds it, the returned *LockError describes the holder.
func AcquireLock(stateDir, role string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, FileName(role))

	slog.Debug("Attempting to acquire lock", "lock_path", lockPath, "role", role)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory for lock", "error", err, "state_dir", stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	var file *os.File
	for attempt := 1; ; attempt++ {
		// No O_TRUNC: the current holder's info must stay readable until we own the lock.
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			slog.Error("Failed to open lock file", "error", err, "lock_path", lockPath)
			return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
		}

		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			f.Close()
			lockInfo := readExistingLockInfo(lockPath)

			slog.Error("Failed to acquire lock - another MemoryPipe instance is running",
				"error", err, "lock_path", lockPath, "role", role, "existing_lock_info", lockInfo)

			return nil, &LockError{
				LockPath:     lockPath,
				Role:         role,
				ExistingInfo: lockInfo,
				Cause:        err,
			}
		}

		// The previous holder may have unlinked the file between our open and flock.
		if stillLinked(f, lockPath) {
			file = f
			break
		}
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		if attempt == maxAcquireAttempts {
			slog.Error("Lock file kept being replaced while acquiring", "lock_path", lockPath, "attempts", attempt)
			return nil, fmt.Errorf("lock file %s was replaced during acquisition %d times", lockPath, attempt)
		}
		slog.Debug("Lock file was removed while acquiring, retrying", "lock_path", lockPath, "attempt", attempt)
	}

	info := fmt.Sprintf("pid=%d\nrole=%s\nstarted=%s\n", os.Getpid(), role, time.Now().UTC().Format(time.RFC3339))
	if err := writeLockInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()

		slog.Error("Failed to write lock information", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Successfully acquired state directory lock", "lock_path", lockPath, "role", role, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, role: role, acquired: true}, nil
}

// stillLinked reports whether path still names the file we hold open.
func stillLinked(file *os.File, path string) bool {
	held, err := file.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

func writeLockInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Release releases the lock and removes the lock file.
// It is safe to call multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		slog.Debug("Lock already released or not acquired", "lock_path", l.path)
		return nil
	}

	// Remove while still holding the flock. Unlocking first would let another
	// process lock this inode just before we unlink it. AcquireLock rejects a
	// lock taken on an already unlinked file.
	if err := os.Remove(l.path); err != nil {
		slog.Error("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil

	slog.Info("Successfully released state directory lock", "lock_path", l.path, "role", l.role)
	return nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath     string
	Role         string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another MemoryPipe %s instance is already running using the same state directory.\n\nLock file: %s", e.roleName(), e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}
	msg += "\n\nIf no other instance is running, the lock file may be stale.\n" +
		fmt.Sprintf("You can remove it with:\n  rm %s", e.LockPath)
	return msg
}

func (e *LockError) roleName() string {
	if e.Role == "" {
		return "pipeline"
	}
	return e.Role
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the current holder for error messages.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}

	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}

	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running - stale lock)", pid)
	}

	return fmt.Sprintf("process information: %s", strings.TrimSpace(content))
}

// extractPIDFromLockInfo parses the "pid=NNNN" line.
func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	if idx := strings.Index(content, pidPrefix); idx != -1 {
		start := idx + len(pidPrefix)
		end := start
		for end < len(content) && content[end] >= '0' && content[end] <= '9' {
			end++
		}
		if end > start {
			if pid, err := strconv.Atoi(content[start:end]); err == nil {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning sends signal 0, which only checks that the process exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
