//go:build !windows

package process

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func startSleeper(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	cmd := ShellCommand(context.Background(), script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestAliveSelfAndDead(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if Alive(cmd.Process.Pid) {
		t.Fatalf("reaped pid %d should be dead", cmd.Process.Pid)
	}
}

func TestAliveTreatsZombieAsDead(t *testing.T) {
	if _, err := os.Stat("/proc/self/status"); err != nil {
		t.Skip("no /proc")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = cmd.Wait() }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !Alive(cmd.Process.Pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("unreaped exited child still reported alive")
}

func TestKillTreeRealProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping process tree test")
	}
	cmd := startSleeper(t, "sleep 30 & sleep 30 & wait")
	ctx := context.Background()

	var pids []int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pids, _ = Descendants(ctx, cmd.Process.Pid)
		if len(pids) >= 3 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(pids) < 3 {
		t.Fatalf("expected shell plus two sleeps, got %v", pids)
	}

	res, err := KillTree(ctx, cmd.Process.Pid, SignalTerm)
	if err != nil || res != KillSuccess {
		t.Fatalf("res=%v err=%v", res, err)
	}
	_ = cmd.Wait()
	for _, pid := range pids[1:] {
		if !WaitGone(ctx, pid, 3*time.Second) {
			t.Fatalf("descendant %d survived", pid)
		}
	}
	if res, _ := KillTree(ctx, cmd.Process.Pid, SignalTerm); res != KillNotFound {
		t.Fatalf("second kill should be not found, got %v", res)
	}
}

func TestStartTimeAndSameProcess(t *testing.T) {
	cmd := startSleeper(t, "sleep 30")
	pid := cmd.Process.Pid
	started, ok := StartTime(pid)
	if !ok {
		t.Skip("start time unavailable on this platform")
	}
	if time.Since(started) > time.Minute {
		t.Fatalf("implausible start time %v", started)
	}
	if !SameProcess(pid, time.Now()) {
		t.Fatalf("pid recorded after start should match")
	}
	if SameProcess(pid, time.Now().Add(-time.Hour)) {
		t.Fatalf("pid recorded an hour before it started must be treated as reused")
	}
}

func TestParsePIDList(t *testing.T) {
	got, err := parsePIDList("12\n34\n")
	if err != nil || len(got) != 2 || got[0] != 12 || got[1] != 34 {
		t.Fatalf("got %v err %v", got, err)
	}
	if _, err := parsePIDList("x"); err == nil {
		t.Fatalf("expected parse error")
	}
	if got, _ := parsePIDList(strings.Repeat(" ", 3)); len(got) != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestDetachSetsSession(t *testing.T) {
	cmd := exec.Command("/bin/true")
	Detach(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setsid {
		t.Fatalf("Setsid not set")
	}
}

func TestLinuxStartTimeAgreesWithGopsutil(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	pid := os.Getpid()
	fromProc, ok := linuxStartTime(pid)
	if !ok {
		t.Fatalf("no start time from /proc")
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		t.Fatal(err)
	}
	ms, err := p.CreateTime()
	if err != nil {
		t.Fatal(err)
	}
	if d := fromProc.Sub(time.UnixMilli(ms)).Abs(); d > startTimeSlack {
		t.Fatalf("/proc and gopsutil disagree by %v", d)
	}
	if _, ok := StartTime(0); ok {
		t.Fatalf("pid 0 has no start time")
	}
}

func TestTicksToDurationLongUptime(t *testing.T) {
	// Ten years at 100 Hz: ticks*time.Second would overflow int64.
	const hz = 100
	ticks := int64(10*365*24*3600*hz + 25)
	got := ticksToDuration(ticks, hz)
	want := 10*365*24*time.Hour + 250*time.Millisecond
	if got != want {
		t.Fatalf("ticksToDuration = %v, want %v", got, want)
	}
	if got := ticksToDuration(150, hz); got != 1500*time.Millisecond {
		t.Fatalf("ticksToDuration(150) = %v", got)
	}
}
