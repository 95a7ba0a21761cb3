package lifecycle

import "github.com/loykin/devpm/internal/registry"

// Policy decides what a Filter returns for a service whose batch has no
// start_initiated event and that the filter has not seen before.
type Policy int

const (
	// KeepAll passes such events through, for historical viewing.
	KeepAll Policy = iota
	// LiveOnly drops them until an execution starts.
	LiveOnly
)

func (p Policy) String() string {
	if p == LiveOnly {
		return "live_only"
	}
	return "keep_all"
}

type serviceKey struct {
	project string
	command string
}

// Filter keeps only the latest execution of each service. It is stateful
// across batches so follow mode can feed it successive cursor reads: once
// a service is admitted, later batches pass through unless they contain a
// newer start_initiated, which again cuts everything before it.
type Filter struct {
	policy Policy
	seen   map[serviceKey]bool
}

// NewFilter returns an empty filter with the given fallback policy.
func NewFilter(p Policy) *Filter {
	return &Filter{policy: p, seen: make(map[serviceKey]bool)}
}

// Apply filters one id-ordered batch.
func (f *Filter) Apply(events []registry.LogEvent) []registry.LogEvent {
	if len(events) == 0 {
		return nil
	}
	lastStart := make(map[serviceKey]int64)
	for _, e := range events {
		if e.Type != registry.LogStartInitiated {
			continue
		}
		k := serviceKey{e.ProjectDir, e.CommandName}
		if e.ID > lastStart[k] {
			lastStart[k] = e.ID
		}
	}
	out := make([]registry.LogEvent, 0, len(events))
	for _, e := range events {
		k := serviceKey{e.ProjectDir, e.CommandName}
		if id, ok := lastStart[k]; ok {
			if e.ID >= id {
				out = append(out, e)
			}
			continue
		}
		if f.seen[k] || f.policy == KeepAll {
			out = append(out, e)
		}
	}
	for k := range lastStart {
		f.seen[k] = true
	}
	if f.policy == KeepAll {
		for _, e := range events {
			f.seen[serviceKey{e.ProjectDir, e.CommandName}] = true
		}
	}
	return out
}

// Reset forgets every admitted service.
func (f *Filter) Reset() { clear(f.seen) }

// LatestExecution is the one-shot form of Filter.Apply.
func LatestExecution(events []registry.LogEvent, p Policy) []registry.LogEvent {
	return NewFilter(p).Apply(events)
}
