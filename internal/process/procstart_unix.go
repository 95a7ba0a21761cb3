//go:build !windows

package process

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// startTime prefers /proc on Linux since it costs one read per pid, and
// asks gopsutil (sysctl on Darwin and the BSDs) everywhere else.
func startTime(pid int) time.Time {
	if runtime.GOOS == "linux" {
		if t, ok := linuxStartTime(pid); ok {
			return t
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// bootClock is read once: boot time and tick rate do not change while we run.
var bootClock = sync.OnceValues(func() (time.Time, int64) {
	ticks, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || ticks <= 0 {
		ticks = 100
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, ticks
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := bytes.CutPrefix(sc.Bytes(), []byte("btime ")); ok {
			if sec, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64); err == nil {
				return time.Unix(sec, 0), ticks
			}
		}
	}
	return time.Time{}, ticks
})

// linuxStartTime reads field 22 of /proc/<pid>/stat, clock ticks after boot.
func linuxStartTime(pid int) (time.Time, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}, false
	}
	// comm may contain spaces and parentheses; fields resume after the last ")".
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return time.Time{}, false
	}
	fields := bytes.Fields(b[i+1:])
	if len(fields) < 20 {
		return time.Time{}, false
	}
	ticks, err := strconv.ParseInt(string(fields[19]), 10, 64)
	if err != nil || ticks <= 0 {
		return time.Time{}, false
	}
	boot, hz := bootClock()
	if boot.IsZero() {
		return time.Time{}, false
	}
	return boot.Add(ticksToDuration(ticks, hz)), true
}

// ticksToDuration splits whole seconds from the remainder so long uptimes
// do not overflow the nanosecond count.
func ticksToDuration(ticks, hz int64) time.Duration {
	return time.Duration(ticks/hz)*time.Second + time.Duration(ticks%hz)*time.Second/time.Duration(hz)
}
