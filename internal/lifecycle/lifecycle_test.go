package lifecycle

import (
	"testing"
	"time"

	"github.com/loykin/devpm/internal/registry"
)

type ev struct {
	cmd  string
	typ  registry.LogType
	text string
}

func build(items ...ev) []registry.LogEvent {
	out := make([]registry.LogEvent, 0, len(items))
	base := time.Unix(1_700_000_000, 0)
	for i, it := range items {
		s := it.text
		out = append(out, registry.LogEvent{
			ID:          int64(i + 1),
			ProjectDir:  "/proj",
			CommandName: it.cmd,
			Type:        it.typ,
			Content:     &s,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func texts(events []registry.LogEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Text())
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLatestExecutionLiveOnly(t *testing.T) {
	events := build(
		ev{"web", registry.LogStdout, "old1"},
		ev{"web", registry.LogStdout, "old2"},
		ev{"web", registry.LogStartInitiated, "s1"},
		ev{"web", registry.LogStdout, "new1"},
	)
	got := texts(LatestExecution(events, LiveOnly))
	if want := []string{"s1", "new1"}; !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLatestExecutionWithoutStart(t *testing.T) {
	events := build(
		ev{"web", registry.LogStdout, "a"},
		ev{"web", registry.LogStderr, "b"},
	)
	if got := LatestExecution(events, LiveOnly); len(got) != 0 {
		t.Fatalf("live-only without start should be empty, got %v", texts(got))
	}
	if got := texts(LatestExecution(events, KeepAll)); !equal(got, []string{"a", "b"}) {
		t.Fatalf("keep-all without start should return everything, got %v", got)
	}
	if got := LatestExecution(nil, KeepAll); len(got) != 0 {
		t.Fatalf("expected empty result for empty input")
	}
}

func TestLatestExecutionPicksLastStartPerCommand(t *testing.T) {
	events := build(
		ev{"web", registry.LogStartInitiated, "w1"},
		ev{"api", registry.LogStartInitiated, "a1"},
		ev{"web", registry.LogStdout, "w-out-1"},
		ev{"api", registry.LogStdout, "a-out"},
		ev{"web", registry.LogExited, "w-exit"},
		ev{"web", registry.LogStartInitiated, "w2"},
		ev{"web", registry.LogStdout, "w-out-2"},
		ev{"db", registry.LogStdout, "orphan"},
	)
	got := texts(LatestExecution(events, LiveOnly))
	want := []string{"a1", "a-out", "w2", "w-out-2"}
	if !equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	got = texts(LatestExecution(events, KeepAll))
	want = []string{"a1", "a-out", "w2", "w-out-2", "orphan"}
	if !equal(got, want) {
		t.Fatalf("keep-all: got %v want %v", got, want)
	}
}

// The suffix property must hold for every prefix of a random-looking stream.
func TestLiveOnlyReturnsSuffixFromLastStart(t *testing.T) {
	types := []registry.LogType{
		registry.LogStdout, registry.LogStartInitiated, registry.LogStdout, registry.LogStarted,
		registry.LogStderr, registry.LogExited, registry.LogStdout, registry.LogStartInitiated,
		registry.LogStartFailed, registry.LogStdout,
	}
	var items []ev
	for _, typ := range types {
		items = append(items, ev{"web", typ, string(typ)})
	}
	all := build(items...)
	for n := 0; n <= len(all); n++ {
		prefix := all[:n]
		var last int64
		for _, e := range prefix {
			if e.Type == registry.LogStartInitiated {
				last = e.ID
			}
		}
		got := LatestExecution(prefix, LiveOnly)
		if last == 0 {
			if len(got) != 0 {
				t.Fatalf("prefix %d: expected empty, got %d events", n, len(got))
			}
			continue
		}
		if len(got) == 0 || got[0].ID != last || got[len(got)-1].ID != prefix[n-1].ID || len(got) != int(prefix[n-1].ID-last+1) {
			t.Fatalf("prefix %d: not the suffix from id %d: %v", n, last, got)
		}
	}
}

func TestFilterAcrossBatches(t *testing.T) {
	all := build(
		ev{"web", registry.LogStdout, "stale"},
		ev{"web", registry.LogStartInitiated, "s1"},
		ev{"web", registry.LogStdout, "x"},
		ev{"web", registry.LogStdout, "y"},
		ev{"web", registry.LogStartInitiated, "s2"},
		ev{"web", registry.LogStdout, "z"},
	)
	f := NewFilter(LiveOnly)
	if got := f.Apply(all[:1]); len(got) != 0 {
		t.Fatalf("batch 1: expected nothing, got %v", texts(got))
	}
	if got := texts(f.Apply(all[1:3])); !equal(got, []string{"s1", "x"}) {
		t.Fatalf("batch 2: got %v", got)
	}
	// Already admitted: passes through without a new start.
	if got := texts(f.Apply(all[3:4])); !equal(got, []string{"y"}) {
		t.Fatalf("batch 3: got %v", got)
	}
	if got := texts(f.Apply(all[4:])); !equal(got, []string{"s2", "z"}) {
		t.Fatalf("batch 4: got %v", got)
	}
	f.Reset()
	if got := f.Apply(all[5:]); len(got) != 0 {
		t.Fatalf("after reset: expected nothing, got %v", texts(got))
	}
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name  string
		items []ev
		want  State
	}{
		{"empty", nil, StateNotStarted},
		{"output only", []ev{{"web", registry.LogStdout, "x"}}, StateNotStarted},
		{"starting", []ev{{"web", registry.LogStartInitiated, ""}, {"web", registry.LogStdout, "x"}}, StateStarting},
		{"running", []ev{{"web", registry.LogStartInitiated, ""}, {"web", registry.LogStarted, "123"}}, StateRunning},
		{"exited", []ev{{"web", registry.LogStartInitiated, ""}, {"web", registry.LogStarted, ""}, {"web", registry.LogExited, "exited with code 0"}}, StateExited},
		{"failed", []ev{{"web", registry.LogStartInitiated, ""}, {"web", registry.LogStartFailed, "exited with code 1"}}, StateFailed},
		{"restarted", []ev{{"web", registry.LogStartFailed, ""}, {"web", registry.LogStartInitiated, ""}}, StateStarting},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := Derive(build(tc.items...))
			if snap.State != tc.want {
				t.Fatalf("state %v want %v", snap.State, tc.want)
			}
		})
	}
	snap := Derive(build(ev{"web", registry.LogStartInitiated, ""}, ev{"web", registry.LogExited, "terminated by signal terminated"}))
	if snap.Detail != "terminated by signal terminated" || snap.EventID != 2 || !snap.State.Terminal() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestDeriveAll(t *testing.T) {
	states := DeriveAll(build(
		ev{"web", registry.LogStartInitiated, ""},
		ev{"api", registry.LogStartInitiated, ""},
		ev{"web", registry.LogStarted, ""},
		ev{"api", registry.LogStartFailed, ""},
	))
	if states["web"].State != StateRunning || states["api"].State != StateFailed {
		t.Fatalf("unexpected states %+v", states)
	}
}

func TestStateText(t *testing.T) {
	for _, s := range []State{StateNotStarted, StateStarting, StateRunning, StateExited, StateFailed} {
		b, _ := s.MarshalText()
		var back State
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Fatalf("round trip %v: %v %v", s, back, err)
		}
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Fatalf("expected error")
	}
}
