// Package health reports process and relay health for /api/health.
package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/relay"
	"github.com/playtrack/backend/internal/respond"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	checkTimeout = 2 * time.Second
)

// Pinger is a dependency whose reachability is part of health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsSource interface {
	Stats() relay.Stats
}

type Report struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptimeSeconds"`
	Goroutines    int               `json:"goroutines"`
	RSSBytes      uint64            `json:"rssBytes,omitempty"`
	CPUPercent    float64           `json:"cpuPercent"`
	SystemMemUsed float64           `json:"systemMemUsedPercent,omitempty"`
	Connections   int               `json:"connections"`
	Relay         relay.Stats       `json:"relay"`
	Checks        map[string]string `json:"checks"`
}

type Reporter struct {
	started     time.Time
	relay       StatsSource
	connections func() int
	log         logrus.FieldLogger

	mu     sync.Mutex
	checks map[string]Pinger
	proc   *process.Process
}

// NewReporter builds a Reporter. connections may be nil.
func NewReporter(stats StatsSource, connections func() int, log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reporter{
		started:     time.Now(),
		relay:       stats,
		connections: connections,
		log:         log.WithField("component", "health"),
		checks:      make(map[string]Pinger),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		r.log.WithError(err).Warn("process metrics unavailable")
	} else {
		r.proc = proc
	}
	return r
}

// AddCheck registers a dependency checked on every report.
func (r *Reporter) AddCheck(name string, p Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = p
}

func (r *Reporter) Report(ctx context.Context) Report {
	rep := Report{
		Status:        StatusOK,
		UptimeSeconds: time.Since(r.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Checks:        map[string]string{},
	}
	if r.relay != nil {
		rep.Relay = r.relay.Stats()
	}
	if r.connections != nil {
		rep.Connections = r.connections()
	}

	r.mu.Lock()
	proc := r.proc
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	checks := make(map[string]Pinger, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	r.mu.Unlock()

	if proc != nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			rep.RSSBytes = mi.RSS
		}
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			rep.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		rep.SystemMemUsed = vm.UsedPercent
	}

	sort.Strings(names)
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name].Ping(cctx)
		cancel()
		if err != nil {
			rep.Status = StatusDegraded
			rep.Checks[name] = err.Error()
			r.log.WithError(err).WithField("check", name).Warn("health check failed")
			continue
		}
		rep.Checks[name] = StatusOK
	}
	return rep
}

// ServeHTTP writes the report, with 503 when degraded.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rep := r.Report(req.Context())
	status := http.StatusOK
	if rep.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, rep)
}
