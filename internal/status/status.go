// Package status assembles the relay status report served on /api/status:
// session and context counts, hub traffic and the relay process's resource
// usage.
package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/protocol"
)

// FailureThreshold is how many consecutive failed samples mark the probe
// failed.
const FailureThreshold = 3

type Sessions interface {
	Count() int
	Status() protocol.StatusResult
}

type Contexts interface {
	Count() int
}

type Traffic interface {
	Stats() listener.HubStats
}

type Process struct {
	PID             int32   `json:"pid"`
	RSSBytes        uint64  `json:"rssBytes"`
	CPUPercent      float64 `json:"cpuPercent"`
	Threads         int32   `json:"threads"`
	Goroutines      int     `json:"goroutines"`
	SystemMemUsedPc float64 `json:"systemMemoryUsedPercent"`
}

type Report struct {
	Ready     bool              `json:"ready"`
	Message   string            `json:"message"`
	Health    Health            `json:"health"`
	LastError string            `json:"lastError,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	Uptime    string            `json:"uptime"`
	Sessions  int               `json:"sessions"`
	Contexts  int               `json:"contexts"`
	Traffic   listener.HubStats `json:"traffic"`
	Process   *Process          `json:"process,omitempty"`
}

type Reporter struct {
	sessions Sessions
	contexts Contexts
	traffic  Traffic
	logger   zerolog.Logger
	started  time.Time
	health   *probeHealth

	// sample reads process stats; replaced in tests.
	sample func(ctx context.Context) (*Process, error)

	mu   sync.Mutex
	proc *process.Process
}

func NewReporter(sessions Sessions, contexts Contexts, traffic Traffic, logger zerolog.Logger) *Reporter {
	r := &Reporter{
		sessions: sessions,
		contexts: contexts,
		traffic:  traffic,
		logger:   logger,
		started:  time.Now(),
		health:   newProbeHealth(FailureThreshold),
	}
	r.sample = r.sampleProcess
	return r
}

// Report builds the current status. A failed process sample leaves Process
// nil and degrades Health; the rest of the report is always filled.
func (r *Reporter) Report(ctx context.Context) Report {
	st := r.sessions.Status()
	rep := Report{
		Ready:     st.Ready,
		Message:   st.Message,
		StartedAt: r.started,
		Uptime:    time.Since(r.started).Truncate(time.Second).String(),
		Sessions:  r.sessions.Count(),
		Contexts:  r.contexts.Count(),
		Traffic:   r.traffic.Stats(),
	}

	proc, err := r.sample(ctx)
	if err != nil {
		r.health.recordFailure(err)
		r.logger.Warn().Err(err).Msg("sampling process stats")
	} else {
		r.health.recordSuccess()
		rep.Process = proc
	}
	rep.Health, _, rep.LastError = r.health.snapshot()
	return rep
}

func (r *Reporter) sampleProcess(ctx context.Context) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc == nil {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return nil, fmt.Errorf("opening own process: %w", err)
		}
		r.proc = p
	}

	out := &Process{PID: r.proc.Pid, Goroutines: runtime.NumGoroutine()}
	var errs []error
	if mi, err := r.proc.MemoryInfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory info: %w", err))
	} else {
		out.RSSBytes = mi.RSS
	}
	if cpu, err := r.proc.CPUPercentWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu percent: %w", err))
	} else {
		out.CPUPercent = cpu
	}
	if n, err := r.proc.NumThreadsWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("threads: %w", err))
	} else {
		out.Threads = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("system memory: %w", err))
	} else {
		out.SystemMemUsedPc = vm.UsedPercent
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
