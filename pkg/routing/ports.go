package routing

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sys/unix"

	"github.com/onecompany/gpt/internal/gpterrors"
)

// SystemdDir is the directory scanned for gpt_node_{id}.service units.
// A var, not a const, so tests can point it at a temporary directory.
var SystemdDir = "/etc/systemd/system"

// lockFileDir holds the port-allocation sentinel file; also a var for
// the same reason.
var lockFileDir = "/var/lib/gpt_host"

const (
	lockFileName = "port.lock"

	// PortRangeStart and PortRangeEnd bound the allocatable port range.
	PortRangeStart uint16 = 8000
	PortRangeEnd   uint16 = 9000
)

var (
	serviceFileRe = regexp.MustCompile(`^gpt_node_(\d+)\.service$`)
	portFlagRe    = regexp.MustCompile(`--port (\d+)`)
)

// ServiceUnit is one parsed gpt_node_{id}.service entry.
type ServiceUnit struct {
	NodeID uint64
	Port   uint16
}

// AllocatedPorts scans SystemdDir for gpt_node_{id}.service files and
// returns the set of ports already recorded in a `--port N` argument.
// The unit files are the source of truth for persistent allocations.
func AllocatedPorts() (map[uint16]struct{}, error) {
	ports := make(map[uint16]struct{})
	if _, err := os.Stat(SystemdDir); os.IsNotExist(err) {
		return ports, nil
	}

	entries, err := os.ReadDir(SystemdDir)
	if err != nil {
		return nil, gpterrors.Wrap("routing", gpterrors.CategoryConfiguration, "scan_systemd_dir", err)
	}
	for _, entry := range entries {
		if !serviceFileRe.MatchString(entry.Name()) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(SystemdDir, entry.Name()))
		if err != nil {
			continue
		}
		if m := portFlagRe.FindSubmatch(content); m != nil {
			var port uint16
			if _, err := fmt.Sscanf(string(m[1]), "%d", &port); err == nil {
				ports[port] = struct{}{}
			}
		}
	}
	return ports, nil
}

// AssignedPort returns the port already recorded for nodeID's unit file,
// if one exists. This is the idempotency guarantee behind allocation: a
// node that already has a unit keeps its recorded port.
func AssignedPort(nodeID uint64) (uint16, bool, error) {
	path := filepath.Join(SystemdDir, fmt.Sprintf("gpt_node_%d.service", nodeID))
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, gpterrors.Wrap("routing", gpterrors.CategoryConfiguration, "read_service_unit", err)
	}
	m := portFlagRe.FindSubmatch(content)
	if m == nil {
		return 0, false, nil
	}
	var port uint16
	if _, err := fmt.Sscanf(string(m[1]), "%d", &port); err != nil {
		return 0, false, nil
	}
	return port, true, nil
}

// FindFreePort returns the lowest port in [start, end) that is not in
// excluded and that currently binds successfully on loopback.
func FindFreePort(start, end uint16, excluded map[uint16]struct{}) (uint16, bool) {
	for port := start; port < end; port++ {
		if _, taken := excluded[port]; taken {
			continue
		}
		if isPortAvailable(port) {
			return port, true
		}
	}
	return 0, false
}

func isPortAvailable(port uint16) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// WithPortLock runs fn while holding an exclusive advisory lock on the
// shared port-allocation sentinel file, serializing concurrent
// allocation attempts across CLI processes.
func WithPortLock(fn func() error) error {
	if err := os.MkdirAll(lockFileDir, 0o755); err != nil {
		return gpterrors.Wrap("routing", gpterrors.CategoryConfiguration, "create_lock_dir", err)
	}
	lockPath := filepath.Join(lockFileDir, lockFileName)

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return gpterrors.Wrap("routing", gpterrors.CategoryConfiguration, "open_lock_file", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return gpterrors.Wrap("routing", gpterrors.CategoryConfiguration, "acquire_port_lock", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// AllocatePort assigns a port to nodeID: reuses its existing unit's port
// if one is already recorded (idempotency), otherwise locks the
// sentinel file and picks the lowest free port in
// [PortRangeStart, PortRangeEnd) excluded from every other unit's
// recorded port.
func AllocatePort(nodeID uint64) (uint16, error) {
	if port, ok, err := AssignedPort(nodeID); err != nil {
		return 0, err
	} else if ok {
		return port, nil
	}

	var assigned uint16
	err := WithPortLock(func() error {
		// Re-check inside the lock: another process may have raced us.
		if port, ok, err := AssignedPort(nodeID); err != nil {
			return err
		} else if ok {
			assigned = port
			return nil
		}
		excluded, err := AllocatedPorts()
		if err != nil {
			return err
		}
		port, ok := FindFreePort(PortRangeStart, PortRangeEnd, excluded)
		if !ok {
			return gpterrors.New("routing", gpterrors.CategoryConfiguration,
				fmt.Sprintf("no free port available in [%d, %d)", PortRangeStart, PortRangeEnd))
		}
		assigned = port
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}
