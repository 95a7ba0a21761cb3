package manager

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpm/internal/collector"
	"github.com/loykin/devpm/internal/config"
	"github.com/loykin/devpm/internal/lifecycle"
	"github.com/loykin/devpm/internal/process"
	"github.com/loykin/devpm/internal/registry"
)

// world is a fake process table shared by the alive probe and the killer.
type world struct {
	mu      sync.Mutex
	alive   map[int]bool
	signals map[int][]syscall.Signal
}

func newWorld(pids ...int) *world {
	w := &world{alive: map[int]bool{}, signals: map[int][]syscall.Signal{}}
	for _, p := range pids {
		w.alive[p] = true
	}
	return w
}

func (w *world) isAlive(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive[pid]
}

func (w *world) set(pid int, alive bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alive[pid] = alive
}

func (w *world) killer() process.Killer {
	return process.Killer{
		Children: func(context.Context, int) ([]int, error) { return nil, nil },
		Alive:    w.isAlive,
		Signal: func(pid int, sig syscall.Signal) error {
			w.mu.Lock()
			defer w.mu.Unlock()
			if !w.alive[pid] {
				return process.ErrGone
			}
			w.signals[pid] = append(w.signals[pid], sig)
			w.alive[pid] = false
			return nil
		},
	}
}

type spawnFunc func(ctx context.Context, d collector.Descriptor) (int, error)

func (f spawnFunc) Spawn(ctx context.Context, d collector.Descriptor) (int, error) { return f(ctx, d) }

func openDB(t *testing.T) *registry.DB {
	t.Helper()
	db, err := registry.Open(context.Background(), filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newManager(t *testing.T, db *registry.DB, w *world, sp collector.Spawner, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithKiller(w.killer()),
		WithAliveFunc(func(pid int, _ time.Time) bool { return w.isAlive(pid) }),
		WithPollInterval(10 * time.Millisecond),
		WithStartTimeout(2 * time.Second),
	}
	m, err := New(db, sp, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func appendEvent(t *testing.T, db *registry.DB, project, name string, typ registry.LogType, text string) int64 {
	t.Helper()
	id, err := db.AppendLog(context.Background(), registry.LogEvent{ProjectDir: project, CommandName: name, Type: typ, Content: &text})
	require.NoError(t, err)
	return id
}

func createEntry(t *testing.T, db *registry.DB, project, name string, pid, collectorPID int) int64 {
	t.Helper()
	now := time.Now()
	id, err := db.CreateProcess(context.Background(), registry.ProcessEntry{
		CommandName: name, ProjectDir: project, PID: pid, LogCollectorPID: collectorPID,
		StartTime: now, CreatedAt: now, Shell: "run " + name,
	})
	require.NoError(t, err)
	return id
}

// fakeCollector behaves like a collector that reports started.
func fakeCollector(t *testing.T, db *registry.DB, w *world, pid, collectorPID int, outcome registry.LogType, reason string) spawnFunc {
	return func(_ context.Context, d collector.Descriptor) (int, error) {
		w.set(collectorPID, true)
		go func() {
			time.Sleep(30 * time.Millisecond)
			if outcome == registry.LogStarted {
				w.set(pid, true)
				createEntry(t, db, d.ProjectDir, d.CommandName, pid, collectorPID)
			}
			appendEvent(t, db, d.ProjectDir, d.CommandName, outcome, reason)
		}()
		return collectorPID, nil
	}
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"web", "web", true},
		{"web", "we", false},
		{"web-1", "web-*", true},
		{"api", "*", true},
		{"frontend-dev", "*end*", true},
		{"frontend-dev", "front*dev", true},
		{"frontend-dev", "front*prod", false},
		{"ab", "a*b*c", false},
		{"x", "", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, wildcardMatch(c.name, c.pattern), "%s ~ %s", c.name, c.pattern)
	}
}

func TestResolveName(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	cfg := &config.Config{Services: []config.ServiceConfig{{Name: "web", Command: "x"}, {Name: "worker", Command: "y"}}}
	m := newManager(t, db, newWorld(), nil, WithConfig(cfg))
	appendEvent(t, db, project, "api", registry.LogStdout, "hi")

	ctx := context.Background()
	got, err := m.ResolveName(ctx, project, "web")
	require.NoError(t, err)
	assert.Equal(t, "web", got)

	got, err = m.ResolveName(ctx, project, "ap")
	require.NoError(t, err)
	assert.Equal(t, "api", got)

	got, err = m.ResolveName(ctx, project, "*ker")
	require.NoError(t, err)
	assert.Equal(t, "worker", got)

	_, err = m.ResolveName(ctx, project, "w")
	assert.ErrorIs(t, err, ErrAmbiguousName)

	_, err = m.ResolveName(ctx, project, "db")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestStartReportsStarted(t *testing.T) {
	db := openDB(t)
	w := newWorld()
	project := t.TempDir()
	var got collector.Descriptor
	inner := fakeCollector(t, db, w, 4242, 4241, registry.LogStarted, "4242")
	sp := spawnFunc(func(ctx context.Context, d collector.Descriptor) (int, error) {
		got = d
		return inner(ctx, d)
	})
	cfg := &config.Config{Services: []config.ServiceConfig{{Name: "web", Command: "npm run dev", Root: "ui", EnableStdin: true, Env: []string{"A=1"}}}}
	m := newManager(t, db, w, sp, WithConfig(cfg))

	res, err := m.Start(context.Background(), StartRequest{ProjectDir: project, Name: "web", Env: []string{"B=2"}})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, res.State)
	assert.Equal(t, 4242, res.PID)
	assert.Equal(t, 4241, res.CollectorPID)

	assert.Equal(t, "npm run dev", got.Shell)
	assert.Equal(t, "ui", got.Root)
	assert.True(t, got.EnableStdin)
	assert.Equal(t, []string{"A=1", "B=2"}, got.Env)

	evs, err := db.FetchLogs(context.Background(), registry.LogQuery{ProjectDir: project})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, registry.LogStartInitiated, evs[0].Type)
	assert.Equal(t, "npm run dev", evs[0].Text())

	_, err = m.Start(context.Background(), StartRequest{ProjectDir: project, Name: "web"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAdHocServiceGetsGlobalEnv(t *testing.T) {
	cfg := &config.Config{Env: []string{"NODE_ENV=development", "URL=http://localhost:${PORT}"}}
	m := newManager(t, openDB(t), newWorld(), spawnFunc(func(context.Context, collector.Descriptor) (int, error) {
		return 0, errors.New("unused")
	}), WithConfig(cfg))
	t.Setenv("PORT", "3100")

	d, err := m.descriptor(StartRequest{ProjectDir: t.TempDir(), Name: "scratch", Command: "make watch", Env: []string{"X=1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"NODE_ENV=development", "URL=http://localhost:3100", "X=1"}, d.Env)
}

func TestStartFailure(t *testing.T) {
	db := openDB(t)
	w := newWorld()
	m := newManager(t, db, w, fakeCollector(t, db, w, 0, 5001, registry.LogStartFailed, "exited with code 1"))
	_, err := m.Start(context.Background(), StartRequest{ProjectDir: t.TempDir(), Name: "job", Command: "false"})
	var sf *StartFailedError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, "exited with code 1", sf.Reason)
	assert.Equal(t, "job", sf.Name)
}

func TestStartSpawnError(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), spawnFunc(func(context.Context, collector.Descriptor) (int, error) {
		return 0, errors.New("exec format error")
	}))
	_, err := m.Start(context.Background(), StartRequest{ProjectDir: project, Name: "job", Command: "x"})
	var sf *StartFailedError
	require.ErrorAs(t, err, &sf)

	snap, err := m.snapshot(context.Background(), project, "job")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, snap.State)
}

func TestStartCollectorVanishes(t *testing.T) {
	db := openDB(t)
	m := newManager(t, db, newWorld(), spawnFunc(func(context.Context, collector.Descriptor) (int, error) {
		return 777, nil // never alive in the fake world
	}))
	_, err := m.Start(context.Background(), StartRequest{ProjectDir: t.TempDir(), Name: "job", Command: "x"})
	var sf *StartFailedError
	require.ErrorAs(t, err, &sf)
	assert.Contains(t, sf.Reason, "collector")
}

func TestStartTimeout(t *testing.T) {
	db := openDB(t)
	w := newWorld(900)
	m := newManager(t, db, w, spawnFunc(func(context.Context, collector.Descriptor) (int, error) {
		return 900, nil
	}), WithStartTimeout(100*time.Millisecond))
	_, err := m.Start(context.Background(), StartRequest{ProjectDir: t.TempDir(), Name: "slow", Command: "x"})
	assert.ErrorIs(t, err, ErrStartTimeout)
}

func TestStartUnknownService(t *testing.T) {
	m := newManager(t, openDB(t), newWorld(), spawnFunc(func(context.Context, collector.Descriptor) (int, error) {
		t.Fatal("spawner must not be called")
		return 0, nil
	}))
	_, err := m.Start(context.Background(), StartRequest{ProjectDir: t.TempDir(), Name: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestReconcileRecordsExitOnce(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	project := t.TempDir()
	id := createEntry(t, db, project, "ghost", 300, 301)
	entry, err := db.GetProcess(ctx, id)
	require.NoError(t, err)
	m := newManager(t, db, newWorld(), nil)

	// A sweep on another handle already removed the row and wrote its exit.
	m.reconcile(ctx, entry)
	m.reconcile(ctx, entry)

	exited, err := db.FetchLogs(ctx, registry.LogQuery{ProjectDir: project, CommandNames: []string{"ghost"}, Types: []registry.LogType{registry.LogExited}})
	require.NoError(t, err)
	assert.Len(t, exited, 1)
}

func TestStopKillsAndReconciles(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	w := newWorld(100, 101, 200) // web and its collector alive; api alive but collector gone
	webID := createEntry(t, db, project, "web", 100, 101)
	apiID := createEntry(t, db, project, "api", 200, 201)
	ghostID := createEntry(t, db, project, "ghost", 300, 301)
	m := newManager(t, db, w, nil)

	results, err := m.Stop(context.Background(), StopRequest{ProjectDir: project, Names: []string{"web", "ghost"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	byName := map[string]StopResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.Equal(t, process.KillSuccess, byName["web"].Result)
	assert.Equal(t, process.KillNotFound, byName["ghost"].Result)
	assert.Equal(t, []syscall.Signal{process.SignalTerm}, w.signals[100])

	web, err := db.GetProcess(context.Background(), webID)
	require.NoError(t, err)
	assert.NotNil(t, web.KilledAt, "web entry stays until its collector records the exit")

	_, err = db.GetProcess(context.Background(), ghostID)
	assert.ErrorIs(t, err, registry.ErrNotFound, "ghost had no collector and is reconciled")
	exited, err := db.FetchLogs(context.Background(), registry.LogQuery{ProjectDir: project, CommandNames: []string{"ghost"}, Types: []registry.LogType{registry.LogExited}})
	require.NoError(t, err)
	assert.Len(t, exited, 1)

	api, err := db.GetProcess(context.Background(), apiID)
	require.NoError(t, err)
	assert.Nil(t, api.KilledAt)

	results, err = m.Stop(context.Background(), StopRequest{ProjectDir: project, Force: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []syscall.Signal{process.SignalKill}, w.signals[200])

	_, err = m.Stop(context.Background(), StopRequest{ProjectDir: project, Names: []string{"web"}})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestListAndStatus(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	w := newWorld(10, 11)
	createEntry(t, db, project, "web", 10, 11)
	appendEvent(t, db, project, "web", registry.LogStartInitiated, "x")
	appendEvent(t, db, project, "web", registry.LogStarted, "10")
	appendEvent(t, db, project, "api", registry.LogStartInitiated, "y")
	appendEvent(t, db, project, "api", registry.LogStarted, "20")
	appendEvent(t, db, project, "job", registry.LogStartInitiated, "z")
	appendEvent(t, db, project, "job", registry.LogStartFailed, "exited with code 2")
	m := newManager(t, db, w, nil)

	infos, err := m.List(context.Background(), ListQuery{ProjectDir: project})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Running)
	assert.True(t, infos[0].CollectorAlive)

	_, err = m.Ports().Reserve(context.Background(), project, "web")
	require.NoError(t, err)

	sts, err := m.Status(context.Background(), StatusRequest{ProjectDir: project})
	require.NoError(t, err)
	byName := map[string]ServiceStatus{}
	for _, s := range sts {
		byName[s.Name] = s
	}
	require.Len(t, byName, 3)
	assert.True(t, byName["web"].Running)
	assert.Equal(t, lifecycle.StateRunning, byName["web"].Lifecycle.State)
	assert.NotZero(t, byName["web"].Port)
	assert.False(t, byName["api"].Running)
	assert.True(t, byName["api"].Stale, "running lifecycle with nothing alive")
	assert.Equal(t, lifecycle.StateFailed, byName["job"].Lifecycle.State)
	assert.False(t, byName["job"].Stale)
}

func TestLogsAndClear(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), nil)
	appendEvent(t, db, project, "web", registry.LogStdout, "old")
	appendEvent(t, db, project, "web", registry.LogStartInitiated, "s")
	appendEvent(t, db, project, "web", registry.LogStdout, "new")

	live, err := m.Logs(context.Background(), registry.LogQuery{ProjectDir: project}, lifecycle.LiveOnly)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "new", live[1].Text())

	n, err := m.ClearLogs(context.Background(), project, []string{"web"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestLogsCutsAtMarkerOutsideWindow(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), nil)
	ctx := context.Background()
	appendEvent(t, db, project, "web", registry.LogStdout, "old")
	appendEvent(t, db, project, "web", registry.LogStartInitiated, "s")
	appendEvent(t, db, project, "web", registry.LogStdout, "new1")
	appendEvent(t, db, project, "web", registry.LogStdout, "new2")
	appendEvent(t, db, project, "api", registry.LogStdout, "never started")

	tail, err := m.Logs(ctx, registry.LogQuery{ProjectDir: project, CommandNames: []string{"web"}, Limit: 1}, lifecycle.LiveOnly)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "new2", tail[0].Text())

	stdout, err := m.Logs(ctx, registry.LogQuery{ProjectDir: project, Types: []registry.LogType{registry.LogStdout}}, lifecycle.KeepAll)
	require.NoError(t, err)
	var texts []string
	for _, e := range stdout {
		texts = append(texts, e.Text())
	}
	assert.Equal(t, []string{"new1", "new2", "never started"}, texts)

	live, err := m.Logs(ctx, registry.LogQuery{ProjectDir: project, Types: []registry.LogType{registry.LogStdout}}, lifecycle.LiveOnly)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "new1", live[0].Text())
}

func TestFollowStreamsNewEvents(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), nil)
	appendEvent(t, db, project, "web", registry.LogStartInitiated, "s1")
	appendEvent(t, db, project, "web", registry.LogStdout, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- m.Follow(ctx, FollowRequest{Query: registry.LogQuery{ProjectDir: project}, Policy: lifecycle.LiveOnly}, func(evs []registry.LogEvent) error {
			mu.Lock()
			defer mu.Unlock()
			for _, e := range evs {
				got = append(got, e.Text())
			}
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)
	appendEvent(t, db, project, "web", registry.LogStdout, "b")
	// A batch holding b and s2 together would cut b off.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 3*time.Second, 10*time.Millisecond)
	appendEvent(t, db, project, "web", registry.LogStartInitiated, "s2")
	appendEvent(t, db, project, "web", registry.LogStdout, "c")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"s1", "a", "b", "s2", "c"}, got)
}

func TestFollowWithEmptySinceWindowSkipsOldOutput(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), nil)
	hourAgo := time.Now().Add(-time.Hour)
	for _, e := range []struct {
		typ  registry.LogType
		text string
	}{{registry.LogStartInitiated, "s1"}, {registry.LogStdout, "old-a"}, {registry.LogStdout, "old-b"}} {
		text := e.text
		_, err := db.AppendLog(context.Background(), registry.LogEvent{
			ProjectDir: project, CommandName: "web", Type: e.typ, Content: &text, Timestamp: hourAgo,
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		mu  sync.Mutex
		got []string
	)
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		q := registry.LogQuery{ProjectDir: project, Since: time.Now().Add(-time.Minute)}
		close(started)
		done <- m.Follow(ctx, FollowRequest{Query: q, Policy: lifecycle.LiveOnly}, func(evs []registry.LogEvent) error {
			mu.Lock()
			defer mu.Unlock()
			for _, e := range evs {
				got = append(got, e.Text())
			}
			return nil
		})
	}()
	<-started
	time.Sleep(50 * time.Millisecond)
	appendEvent(t, db, project, "web", registry.LogStdout, "new")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"new"}, got)
}

func TestSendStdin(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	w := newWorld(50)
	m := newManager(t, db, w, nil)

	_, err := m.SendStdin(context.Background(), project, "web", "hi\n", false)
	assert.ErrorIs(t, err, ErrNotRunning)

	createEntry(t, db, project, "web", 50, 51)
	_, err = m.SendStdin(context.Background(), project, "web", "hi\n", false)
	require.NoError(t, err)
	_, err = m.SendStdin(context.Background(), project, "web", "%%%", true)
	assert.Error(t, err)

	n, err := db.PendingStdin(context.Background(), project, "web")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWaitFor(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), nil)
	ctx := context.Background()

	appendEvent(t, db, project, "web", registry.LogStartInitiated, "")
	go func() {
		time.Sleep(50 * time.Millisecond)
		appendEvent(t, db, project, "web", registry.LogStarted, "1")
	}()
	res, err := m.WaitFor(ctx, WaitRequest{ProjectDir: project, Name: "web", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, res.Lifecycle.State)

	appendEvent(t, db, project, "job", registry.LogStartInitiated, "")
	appendEvent(t, db, project, "job", registry.LogStartFailed, "boom")
	_, err = m.WaitFor(ctx, WaitRequest{ProjectDir: project, Name: "job", Timeout: time.Second})
	var sf *StartFailedError
	require.ErrorAs(t, err, &sf)
	_, err = m.WaitFor(ctx, WaitRequest{ProjectDir: project, Name: "job", Until: lifecycle.StateExited, Timeout: time.Second})
	require.NoError(t, err)

	appendEvent(t, db, project, "idle", registry.LogStartInitiated, "")
	_, err = m.WaitFor(ctx, WaitRequest{ProjectDir: project, Name: "idle", Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForPattern(t *testing.T) {
	db := openDB(t)
	project := t.TempDir()
	m := newManager(t, db, newWorld(), nil)
	appendEvent(t, db, project, "web", registry.LogStdout, "listening on :1 (previous run)")
	appendEvent(t, db, project, "web", registry.LogStartInitiated, "")
	go func() {
		time.Sleep(50 * time.Millisecond)
		appendEvent(t, db, project, "web", registry.LogStdout, "compiling")
		appendEvent(t, db, project, "web", registry.LogStdout, "listening on :3000")
	}()
	res, err := m.WaitFor(context.Background(), WaitRequest{ProjectDir: project, Name: "web", Pattern: regexp.MustCompile(`listening on :\d+$`), Timeout: 3 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, "listening on :3000", res.Match.Text())

	appendEvent(t, db, project, "job", registry.LogStartInitiated, "")
	appendEvent(t, db, project, "job", registry.LogExited, "exited with code 0")
	_, err = m.WaitFor(context.Background(), WaitRequest{ProjectDir: project, Name: "job", Pattern: regexp.MustCompile("never"), Timeout: time.Second})
	assert.ErrorIs(t, err, ErrNotRunning)
}
