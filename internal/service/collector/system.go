package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mealforge/sentinel/internal/model"
)

// SystemSource samples host CPU, memory, load and uptime from /proc. Where
// /proc is unavailable it reports what the Go runtime knows about the host.
type SystemSource struct {
	procRoot string

	mu      sync.Mutex
	prevCPU *cpuSample
}

type cpuSample struct {
	total uint64
	idle  uint64
}

// NewSystemSource reads from /proc.
func NewSystemSource() *SystemSource { return &SystemSource{procRoot: "/proc"} }

func (s *SystemSource) Kind() model.MetricKind { return model.KindSystem }

// Collect returns one sample per host metric. CPU percent is derived from the
// delta between consecutive calls, so the first call omits it.
func (s *SystemSource) Collect(_ context.Context) ([]model.MetricSample, error) {
	now := time.Now().UTC()
	var out []model.MetricSample
	add := func(name string, v float64) {
		out = append(out, model.MetricSample{Name: name, Value: v, Timestamp: now})
	}

	total, idle, cpuErr := s.readCPU()
	if cpuErr == nil {
		s.mu.Lock()
		if s.prevCPU != nil && total > s.prevCPU.total {
			deltaTotal := total - s.prevCPU.total
			deltaIdle := idle - s.prevCPU.idle
			add("system.cpu_percent", 100*(1-float64(deltaIdle)/float64(deltaTotal)))
		}
		s.prevCPU = &cpuSample{total: total, idle: idle}
		s.mu.Unlock()
	}

	memTotal, memAvail, memErr := s.readMem()
	if memErr == nil {
		used := memTotal - memAvail
		add("system.memory_total_bytes", float64(memTotal))
		add("system.memory_used_bytes", float64(used))
		add("system.memory_percent", 100*float64(used)/float64(memTotal))
	}

	if l1, l5, l15, err := s.readLoadAvg(); err == nil {
		add("system.load1", l1)
		add("system.load5", l5)
		add("system.load15", l15)
	}
	if up, err := s.readUptime(); err == nil {
		add("system.uptime_seconds", up)
	}

	if cpuErr != nil && memErr != nil {
		// No /proc: fall back to runtime facts so the schedule still produces data.
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		add("system.num_cpu", float64(runtime.NumCPU()))
		add("system.memory_used_bytes", float64(ms.Sys))
	}
	return out, nil
}

func (s *SystemSource) path(name string) string { return filepath.Join(s.procRoot, name) }

func (s *SystemSource) readCPU() (total, idle uint64, err error) {
	f, err := os.Open(s.path("stat"))
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 5 {
			return 0, 0, errors.New("collector: invalid cpu line")
		}
		vals := make([]uint64, 0, len(parts)-1)
		for _, p := range parts[1:] {
			v, err := strconv.ParseUint(p, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("collector: parse cpu field: %w", err)
			}
			vals = append(vals, v)
			total += v
		}
		// idle + iowait
		idle = vals[3]
		if len(vals) > 4 {
			idle += vals[4]
		}
		return total, idle, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, errors.New("collector: cpu line not found")
}

func (s *SystemSource) readMem() (total, available uint64, err error) {
	f, err := os.Open(s.path("meminfo"))
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
			total *= 1024
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
			available *= 1024
		}
	}
	if total == 0 {
		return 0, 0, errors.New("collector: meminfo parse failed")
	}
	return total, available, nil
}

func (s *SystemSource) readLoadAvg() (float64, float64, float64, error) {
	b, err := os.ReadFile(s.path("loadavg"))
	if err != nil {
		return 0, 0, 0, err
	}
	parts := strings.Fields(string(b))
	if len(parts) < 3 {
		return 0, 0, 0, errors.New("collector: invalid loadavg")
	}
	l1, _ := strconv.ParseFloat(parts[0], 64)
	l5, _ := strconv.ParseFloat(parts[1], 64)
	l15, _ := strconv.ParseFloat(parts[2], 64)
	return l1, l5, l15, nil
}

func (s *SystemSource) readUptime() (float64, error) {
	b, err := os.ReadFile(s.path("uptime"))
	if err != nil {
		return 0, err
	}
	parts := strings.Fields(string(b))
	if len(parts) == 0 {
		return 0, errors.New("collector: invalid uptime")
	}
	return strconv.ParseFloat(parts[0], 64)
}
