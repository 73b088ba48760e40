package executor

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"loadgate/pkg/model"
)

// Job is one execution handed to a locust runner, locally or over the agent channel.
type Job struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	TargetURL   string `json:"target_url"`
	NumUsers    int    `json:"num_users"`
	RampUp      int    `json:"ramp_up"`
	RunSeconds  int    `json:"run_seconds"`
}

// JobFor builds the job for t started at now. The run lasts until end_time.
func JobFor(t model.Task, now time.Time) Job {
	from := t.StartTime
	if now.After(from) {
		from = now
	}
	secs := int(math.Ceil(t.EndTime.Sub(from).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return Job{
		ExecutionID: t.ExecutionID,
		TaskID:      t.ID,
		TargetURL:   t.TargetURL,
		NumUsers:    t.NumUsers,
		RampUp:      t.RampUp,
		RunSeconds:  secs,
	}
}

// SpawnRate is users started per second; a zero ramp-up spawns everyone at once.
func (j Job) SpawnRate() float64 {
	if j.RampUp <= 0 {
		return float64(j.NumUsers)
	}
	return float64(j.NumUsers) / float64(j.RampUp)
}

// LocustConfig locates the locust binary and its scenario file.
type LocustConfig struct {
	Bin        string // may carry leading args, e.g. "python3 -m locust"
	File       string
	ResultsDir string
	ExtraArgs  []string
}

// LocustRunner runs locust headless and turns its stats CSV into a Result.
type LocustRunner struct {
	cfg LocustConfig
	now func() time.Time
	log *zap.Logger
}

func NewLocustRunner(cfg LocustConfig, log *zap.Logger) *LocustRunner {
	cfg.Bin = strings.TrimSpace(cfg.Bin)
	if cfg.Bin == "" {
		cfg.Bin = "locust"
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "results"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocustRunner{cfg: cfg, now: time.Now, log: log}
}

// Command returns the program and arguments for job, writing CSVs under csvPrefix.
func (r *LocustRunner) Command(job Job, csvPrefix string) (string, []string) {
	fields := strings.Fields(r.cfg.Bin)
	args := append([]string{}, fields[1:]...)
	args = append(args,
		"-f", r.cfg.File,
		"--headless",
		"-u", strconv.Itoa(job.NumUsers),
		"-r", strconv.FormatFloat(job.SpawnRate(), 'f', -1, 64),
		"--host", job.TargetURL,
		"--run-time", fmt.Sprintf("%ds", job.RunSeconds),
		"--csv", csvPrefix,
		"--only-summary",
	)
	args = append(args, r.cfg.ExtraArgs...)
	return fields[0], args
}

// Run blocks until locust exits or ctx is cancelled.
func (r *LocustRunner) Run(ctx context.Context, job Job) (model.Result, error) {
	if err := os.MkdirAll(r.cfg.ResultsDir, 0o755); err != nil {
		return model.Result{}, fmt.Errorf("results dir: %w", err)
	}
	prefix := filepath.Join(r.cfg.ResultsDir, "exec_"+job.ExecutionID)
	bin, args := r.Command(job, prefix)
	started := r.now()
	r.log.Info("locust starting",
		zap.String("task_id", job.TaskID),
		zap.String("execution_id", job.ExecutionID),
		zap.Strings("args", args))

	out, runErr := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if ctx.Err() != nil {
		return model.Result{}, fmt.Errorf("locust cancelled: %w", ctx.Err())
	}

	f, err := os.Open(prefix + "_stats.csv")
	if err != nil {
		if runErr != nil {
			return model.Result{}, fmt.Errorf("locust failed: %w: %s", runErr, tail(out, 512))
		}
		return model.Result{}, fmt.Errorf("open stats: %w", err)
	}
	defer f.Close()
	res, err := ParseStats(f)
	if err != nil {
		return model.Result{}, fmt.Errorf("parse stats: %w", err)
	}
	// locust exits non-zero when any request failed; the stats still count.
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return model.Result{}, fmt.Errorf("locust failed: %w", runErr)
	}
	if runErr != nil {
		r.log.Warn("locust exited non-zero", zap.String("execution_id", job.ExecutionID), zap.Error(runErr))
	}

	res.TaskID = job.TaskID
	res.ExecutionID = job.ExecutionID
	res.TargetURL = job.TargetURL
	res.NumUsers = job.NumUsers
	res.DurationSeconds = round4(r.now().Sub(started).Seconds())
	res.CreatedAt = r.now()
	return res, nil
}

var statsColumns = map[string][]string{
	"requests": {"Request Count", "# requests"},
	"failures": {"Failure Count", "# failures"},
	"median":   {"Median Response Time"},
	"avg":      {"Average Response Time"},
	"min":      {"Min Response Time"},
	"max":      {"Max Response Time"},
	"rps":      {"Requests/s"},
}

var statsFallback = map[string]int{
	"requests": 2,
	"failures": 3,
	"median":   4,
	"avg":      5,
	"min":      6,
	"max":      7,
	"rps":      9,
}

// ParseStats reads a locust "_stats.csv" and summarizes its Aggregated (or Total) row.
func ParseStats(r io.Reader) (model.Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return model.Result{}, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(statsFallback))
	for key, idx := range statsFallback {
		cols[key] = idx
	}
	for i, name := range header {
		for key, aliases := range statsColumns {
			for _, a := range aliases {
				if strings.EqualFold(strings.TrimSpace(name), a) {
					cols[key] = i
				}
			}
		}
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return model.Result{}, fmt.Errorf("no Aggregated row in stats")
		}
		if err != nil {
			return model.Result{}, err
		}
		if !isAggregateRow(record) {
			continue
		}
		field := func(key string) string {
			if i := cols[key]; i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}
		requests, _ := strconv.Atoi(field("requests"))
		failures, _ := strconv.Atoi(field("failures"))
		res := model.Result{
			Requests:         requests,
			Failures:         failures,
			RPS:              round4(parseFloat(field("rps"))),
			AvgResponseMs:    round4(parseFloat(field("avg"))),
			MinResponseMs:    round4(parseFloat(field("min"))),
			MaxResponseMs:    round4(parseFloat(field("max"))),
			MedianResponseMs: round4(parseFloat(field("median"))),
		}
		if requests > 0 {
			res.ErrorRate = round4(float64(failures) / float64(requests))
		}
		res.Availability = round4(1 - res.ErrorRate)
		return res, nil
	}
}

func isAggregateRow(record []string) bool {
	for i := 0; i < len(record) && i < 2; i++ {
		switch strings.TrimSpace(record[i]) {
		case "Aggregated", "Total":
			return true
		}
	}
	return false
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
