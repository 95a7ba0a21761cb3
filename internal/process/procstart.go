package process

import "time"

// startTimeSlack absorbs clock-tick rounding between the kernel's start
// time and the wall clock recorded by the collector.
const startTimeSlack = 2 * time.Second

// StartTime returns when pid was started, if the platform can tell.
func StartTime(pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	t := startTime(pid)
	return t, !t.IsZero()
}

// SameProcess reports whether pid is alive and is plausibly the process
// recorded at recordedStart. A live pid that started later was reused by
// the OS (typically after a reboot) and does not count.
func SameProcess(pid int, recordedStart time.Time) bool {
	if !Alive(pid) {
		return false
	}
	if recordedStart.IsZero() {
		return true
	}
	started, ok := StartTime(pid)
	if !ok {
		return true
	}
	return !started.After(recordedStart.Add(startTimeSlack))
}
