package application

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

// acquireLock writes the current pid to path. A pid file left by a process
// that is no longer alive is replaced; a live owner fails with
// ErrInstanceLocked. The returned release removes the file if it still holds
// our pid. An empty path disables locking.
func acquireLock(path string) (release func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, merr.WrapErrIoFailed(path, err)
	}

	self := int32(os.Getpid())
	if data, err := os.ReadFile(path); err == nil {
		if pid, ok := parsePid(data); ok && pid != self {
			alive, err := process.PidExists(pid)
			if err != nil {
				return nil, merr.WrapErrIoFailed(path, errors.Wrapf(err, "check pid %d", pid))
			}
			if alive {
				return nil, merr.WrapErrInstanceLocked(pid, path)
			}
			log.Warn("replacing stale instance lock", zap.String("path", path), zap.Int32("pid", pid))
		}
	} else if !os.IsNotExist(err) {
		return nil, merr.WrapErrIoFailed(path, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(int(self))), 0o644); err != nil {
		return nil, merr.WrapErrIoFailed(path, err)
	}
	return func() {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		if pid, ok := parsePid(data); ok && pid == self {
			_ = os.Remove(path)
		}
	}, nil
}

func parsePid(data []byte) (int32, bool) {
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return int32(pid), true
}
