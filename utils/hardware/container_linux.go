//go:build linux

package hardware

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	cgroupV2MemMax     = "/sys/fs/cgroup/memory.max"
	cgroupV2MemCurrent = "/sys/fs/cgroup/memory.current"
	cgroupV1MemLimit   = "/sys/fs/cgroup/memory/memory.limit_in_bytes"
	cgroupV1MemUsage   = "/sys/fs/cgroup/memory/memory.usage_in_bytes"
)

// inContainer reports whether a cgroup memory controller limits the process.
func inContainer() (bool, error) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, nil
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "read /proc/1/cgroup")
	}
	content := string(data)
	return strings.Contains(content, "docker") ||
		strings.Contains(content, "kubepods") ||
		strings.Contains(content, "containerd"), nil
}

func readCgroupValue(paths ...string) (uint64, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		v := strings.TrimSpace(string(data))
		if v == "max" {
			return ^uint64(0), nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %s", p)
		}
		return n, nil
	}
	return 0, errors.Newf("no cgroup file among %v", paths)
}

func getContainerMemLimit() (uint64, error) {
	return readCgroupValue(cgroupV2MemMax, cgroupV1MemLimit)
}

func getContainerMemUsed() (uint64, error) {
	return readCgroupValue(cgroupV2MemCurrent, cgroupV1MemUsage)
}
