package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadgate/pkg/model"
)

const statsCSV = `Type,Name,Request Count,Failure Count,Median Response Time,Average Response Time,Min Response Time,Max Response Time,Average Content Size,Requests/s,Failures/s,50%,66%
GET,/,120,3,45,51.123456,10.5,230.98766,1024,12.345678,0.3,45,60
,Aggregated,120,3,45,51.123456,10.5,230.98766,1024,12.345678,0.3,45,60
`

var t0 = time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)

type memSaver struct {
	mu      sync.Mutex
	results map[string]model.Result
	err     error
}

func newMemSaver() *memSaver { return &memSaver{results: map[string]model.Result{}} }

func (m *memSaver) SaveResult(_ context.Context, r model.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.results[r.Handle] = r
	return nil
}

func (m *memSaver) get(h string) (model.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[h]
	return r, ok
}

type fakeRunner struct {
	release chan struct{}
	res     model.Result
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, _ Job) (model.Result, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func task() model.Task {
	return model.Task{
		ID:          "task-1",
		ExecutionID: "exec-1",
		TargetURL:   "http://example.com",
		NumUsers:    50,
		RampUp:      10,
		StartTime:   t0,
		EndTime:     t0.Add(time.Hour),
	}
}

func waitFor(t *testing.T, e Executor, id string, want State) Outcome {
	t.Helper()
	var o Outcome
	require.Eventually(t, func() bool {
		var err error
		o, err = e.Poll(context.Background(), id)
		return err == nil && o.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return o
}

func TestJobFor(t *testing.T) {
	job := JobFor(task(), t0.Add(-time.Minute))
	assert.Equal(t, 3600, job.RunSeconds)
	assert.Equal(t, "exec-1", job.ExecutionID)
	assert.Equal(t, "task-1", job.TaskID)

	late := JobFor(task(), t0.Add(59*time.Minute+30*time.Second))
	assert.Equal(t, 30, late.RunSeconds)

	over := JobFor(task(), t0.Add(2*time.Hour))
	assert.Equal(t, 1, over.RunSeconds)
}

func TestSpawnRate(t *testing.T) {
	assert.Equal(t, 5.0, Job{NumUsers: 50, RampUp: 10}.SpawnRate())
	assert.Equal(t, 50.0, Job{NumUsers: 50}.SpawnRate())
	assert.Equal(t, 2.5, Job{NumUsers: 5, RampUp: 2}.SpawnRate())
}

func TestLocustCommand(t *testing.T) {
	r := NewLocustRunner(LocustConfig{Bin: "python3 -m locust", File: "locust/locustfile.py", ExtraArgs: []string{"--loglevel", "WARNING"}}, nil)
	bin, args := r.Command(JobFor(task(), t0), "results/exec_exec-1")
	assert.Equal(t, "python3", bin)
	assert.Equal(t, []string{
		"-m", "locust",
		"-f", "locust/locustfile.py",
		"--headless",
		"-u", "50",
		"-r", "5",
		"--host", "http://example.com",
		"--run-time", "3600s",
		"--csv", "results/exec_exec-1",
		"--only-summary",
		"--loglevel", "WARNING",
	}, args)
}

func TestLocustCommandBlankBin(t *testing.T) {
	for _, bin := range []string{"", "   ", "\t\n"} {
		r := NewLocustRunner(LocustConfig{Bin: bin, File: "locustfile.py"}, nil)
		var prog string
		require.NotPanics(t, func() { prog, _ = r.Command(JobFor(task(), t0), "out") }, "bin %q", bin)
		assert.Equal(t, "locust", prog)
	}
}

func TestParseStats(t *testing.T) {
	res, err := ParseStats(strings.NewReader(statsCSV))
	require.NoError(t, err)
	assert.Equal(t, 120, res.Requests)
	assert.Equal(t, 3, res.Failures)
	assert.Equal(t, 117, res.Successes())
	assert.Equal(t, 51.1235, res.AvgResponseMs)
	assert.Equal(t, 10.5, res.MinResponseMs)
	assert.Equal(t, 230.9877, res.MaxResponseMs)
	assert.Equal(t, 45.0, res.MedianResponseMs)
	assert.Equal(t, 12.3457, res.RPS)
	assert.Equal(t, 0.025, res.ErrorRate)
	assert.Equal(t, 0.975, res.Availability)
}

func TestParseStatsLegacyTotalRow(t *testing.T) {
	legacy := `"Method","Name","# requests","# failures","Median Response Time","Average Response Time","Min Response Time","Max Response Time","Average Content Size","Requests/s"
"None","Total",10,0,20,21.5,5,40,100,2.0
`
	res, err := ParseStats(strings.NewReader(legacy))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Requests)
	assert.Equal(t, 0.0, res.ErrorRate)
	assert.Equal(t, 1.0, res.Availability)
	assert.Equal(t, 2.0, res.RPS)
}

func TestParseStatsWithoutAggregate(t *testing.T) {
	_, err := ParseStats(strings.NewReader("Type,Name,Request Count\nGET,/,1\n"))
	assert.Error(t, err)
	_, err = ParseStats(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLocustRunnerRunsBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script runner")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-locust")
	body := `#!/bin/sh
prefix=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--csv" ]; then prefix="$2"; fi
  shift
done
cat > "${prefix}_stats.csv" <<'EOF'
` + statsCSV + `EOF
exit 1
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	r := NewLocustRunner(LocustConfig{Bin: script, File: "x.py", ResultsDir: filepath.Join(dir, "results")}, nil)
	res, err := r.Run(context.Background(), JobFor(task(), t0))
	require.NoError(t, err)
	assert.Equal(t, 120, res.Requests)
	assert.Equal(t, "task-1", res.TaskID)
	assert.Equal(t, "exec-1", res.ExecutionID)
	assert.Equal(t, 50, res.NumUsers)
}

func TestLocustRunnerMissingBinary(t *testing.T) {
	r := NewLocustRunner(LocustConfig{Bin: filepath.Join(t.TempDir(), "nope"), ResultsDir: t.TempDir()}, nil)
	_, err := r.Run(context.Background(), JobFor(task(), t0))
	assert.Error(t, err)
}

func TestLocalSucceeds(t *testing.T) {
	saver := newMemSaver()
	runner := &fakeRunner{release: make(chan struct{}), res: model.Result{Requests: 10}}
	l := NewLocal(runner, saver, nil)
	defer l.Close()

	id, err := l.Start(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)

	o, err := l.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, o.State)
	assert.Equal(t, 1, l.Running())

	// a second start for the same execution does not launch another run
	again, err := l.Start(context.Background(), task())
	require.NoError(t, err)
	assert.Equal(t, id, again)

	close(runner.release)
	o = waitFor(t, l, id, StateSucceeded)
	require.NotEmpty(t, o.ReportHandle)
	saved, ok := saver.get(o.ReportHandle)
	require.True(t, ok)
	assert.Equal(t, "task-1", saved.TaskID)
	assert.Equal(t, 10, saved.Requests)
}

func TestLocalFailures(t *testing.T) {
	l := NewLocal(&fakeRunner{err: errors.New("locust crashed")}, newMemSaver(), nil)
	defer l.Close()
	id, err := l.Start(context.Background(), task())
	require.NoError(t, err)
	o := waitFor(t, l, id, StateFailed)
	assert.Contains(t, o.Reason, "locust crashed")

	saver := newMemSaver()
	saver.err = errors.New("disk full")
	l2 := NewLocal(&fakeRunner{}, saver, nil)
	defer l2.Close()
	id, err = l2.Start(context.Background(), task())
	require.NoError(t, err)
	o = waitFor(t, l2, id, StateFailed)
	assert.Contains(t, o.Reason, "disk full")

	_, err = l.Poll(context.Background(), "unknown")
	assert.ErrorIs(t, err, model.ErrUnknownExecution)
}

func TestLocalCloseCancelsRuns(t *testing.T) {
	l := NewLocal(&fakeRunner{release: make(chan struct{})}, newMemSaver(), nil)
	id, err := l.Start(context.Background(), task())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	o, err := l.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, o.State)

	_, err = l.Start(context.Background(), task())
	assert.Error(t, err)
}

type fakeDispatcher struct {
	jobs []Job
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "agent-1", nil
}

func TestRemoteLifecycle(t *testing.T) {
	saver := newMemSaver()
	d := &fakeDispatcher{}
	r := NewRemote(d, saver, nil)
	ctx := context.Background()

	id, err := r.Start(ctx, task())
	require.NoError(t, err)
	require.Len(t, d.jobs, 1)
	assert.Equal(t, 5.0, d.jobs[0].SpawnRate())

	o, err := r.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, o.State)

	require.NoError(t, r.Complete(ctx, d.jobs[0], &model.Result{Requests: 7}, ""))
	o, err = r.Poll(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, o.State)
	saved, ok := saver.get(o.ReportHandle)
	require.True(t, ok)
	assert.Equal(t, 7, saved.Requests)
	assert.Equal(t, "http://example.com", saved.TargetURL)

	// late duplicate reports do not change the outcome
	require.NoError(t, r.Complete(ctx, d.jobs[0], nil, "boom"))
	o, _ = r.Poll(ctx, id)
	assert.Equal(t, StateSucceeded, o.State)

	assert.ErrorIs(t, r.Complete(ctx, Job{ExecutionID: "other"}, nil, ""), model.ErrUnknownExecution)
}

func TestRemoteWithoutDispatcher(t *testing.T) {
	r := NewRemote(nil, newMemSaver(), nil)
	_, err := r.Start(context.Background(), task())
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestRemoteFailures(t *testing.T) {
	ctx := context.Background()
	r := NewRemote(&fakeDispatcher{err: ErrNoAgent}, newMemSaver(), nil)
	_, err := r.Start(ctx, task())
	assert.ErrorIs(t, err, ErrNoAgent)

	d := &fakeDispatcher{}
	r = NewRemote(d, newMemSaver(), nil)
	id, err := r.Start(ctx, task())
	require.NoError(t, err)
	require.NoError(t, r.Complete(ctx, d.jobs[0], nil, "agent disconnected"))
	o, err := r.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, o.State)
	assert.Equal(t, "agent disconnected", o.Reason)

	noID := task()
	noID.ExecutionID = ""
	_, err = r.Start(ctx, noID)
	assert.Error(t, err)
}
