package health

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/miaquant/safety-kernel/internal/kv"
	"github.com/miaquant/safety-kernel/internal/observ"
)

// Status is a component health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

// Sample is one probe observation.
type Sample struct {
	Status  Status             `json:"status"`
	Message string             `json:"message,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Result is one full sweep across all probes.
type Result struct {
	Overall    Status            `json:"overall"`
	Components map[string]Sample `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Probe measures one component. Probes must bound their own work; they are
// called from the monitor loop and cannot be allowed to hang it.
type Probe interface {
	Name() string
	Check(ctx context.Context) Sample
}

// overall derives the sweep status: any unhealthy component makes the sweep
// critical, otherwise any degraded component makes it degraded.
func overall(components map[string]Sample) Status {
	st := StatusHealthy
	for _, s := range components {
		switch s.Status {
		case StatusUnhealthy:
			return StatusCritical
		case StatusDegraded:
			st = StatusDegraded
		}
	}
	return st
}

// KVProbe pings the KV store and reports latency.
type KVProbe struct {
	Client  kv.Client
	Timeout time.Duration
}

func (p *KVProbe) Name() string { return "redis" }

func (p *KVProbe) Check(ctx context.Context) Sample {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.Client.Ping(ctx)
	latency := time.Since(start)
	observ.Observe("mia_health_probe_duration_seconds", latency.Seconds(), map[string]string{"probe": "redis"})
	if err != nil {
		return Sample{Status: StatusUnhealthy, Message: "ping failed: " + err.Error()}
	}
	return Sample{Status: StatusHealthy, Metrics: map[string]float64{"latency_ms": float64(latency.Milliseconds())}}
}

// TCPProbe dials a set of local service ports. One unreachable port degrades,
// all unreachable is unhealthy.
type TCPProbe struct {
	Host    string
	Ports   []int
	Timeout time.Duration
}

func (p *TCPProbe) Name() string { return "network" }

func (p *TCPProbe) Check(ctx context.Context) Sample {
	if len(p.Ports) == 0 {
		return Sample{Status: StatusHealthy, Message: "no ports configured"}
	}
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	var down []string
	for _, port := range p.Ports {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			down = append(down, addr)
			continue
		}
		conn.Close()
	}
	reachable := float64(len(p.Ports)-len(down)) / float64(len(p.Ports))
	metrics := map[string]float64{"reachable_ratio": reachable}
	switch {
	case len(down) == len(p.Ports):
		return Sample{Status: StatusUnhealthy, Message: "all ports unreachable: " + strings.Join(down, ","), Metrics: metrics}
	case len(down) > 0:
		return Sample{Status: StatusDegraded, Message: "ports unreachable: " + strings.Join(down, ","), Metrics: metrics}
	}
	return Sample{Status: StatusHealthy, Metrics: metrics}
}

// DiskProbe reads filesystem usage for one path. Above 90% is degraded,
// above 95% unhealthy.
type DiskProbe struct {
	Path string
}

func (p *DiskProbe) Name() string { return "disk" }

func (p *DiskProbe) Check(ctx context.Context) Sample {
	path := p.Path
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Sample{Status: StatusUnhealthy, Message: "disk stat failed: " + err.Error()}
	}
	ratio := usage.UsedPercent / 100
	observ.SetGauge("mia_disk_used_ratio", ratio, nil)
	metrics := map[string]float64{"used_ratio": ratio}
	switch {
	case ratio > 0.95:
		return Sample{Status: StatusUnhealthy, Message: fmt.Sprintf("disk %.1f%% full", usage.UsedPercent), Metrics: metrics}
	case ratio > 0.90:
		return Sample{Status: StatusDegraded, Message: fmt.Sprintf("disk %.1f%% full", usage.UsedPercent), Metrics: metrics}
	}
	return Sample{Status: StatusHealthy, Metrics: metrics}
}

// MemoryProbe reads system memory pressure. Above 90% is degraded, above 95%
// unhealthy.
type MemoryProbe struct{}

func (p *MemoryProbe) Name() string { return "memory" }

func (p *MemoryProbe) Check(ctx context.Context) Sample {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{Status: StatusUnhealthy, Message: "memory stat failed: " + err.Error()}
	}
	ratio := vm.UsedPercent / 100
	observ.SetGauge("mia_memory_used_ratio", ratio, nil)
	metrics := map[string]float64{"used_ratio": ratio}
	switch {
	case ratio > 0.95:
		return Sample{Status: StatusUnhealthy, Message: fmt.Sprintf("memory %.1f%% used", vm.UsedPercent), Metrics: metrics}
	case ratio > 0.90:
		return Sample{Status: StatusDegraded, Message: fmt.Sprintf("memory %.1f%% used", vm.UsedPercent), Metrics: metrics}
	}
	return Sample{Status: StatusHealthy, Metrics: metrics}
}

// CPUProbe samples aggregate CPU utilization. Sustained saturation degrades
// rather than failing; a probe cannot tell a burst from a stall.
type CPUProbe struct{}

func (p *CPUProbe) Name() string { return "cpu" }

func (p *CPUProbe) Check(ctx context.Context) Sample {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(pcts) == 0 {
		msg := "cpu stat failed"
		if err != nil {
			msg += ": " + err.Error()
		}
		return Sample{Status: StatusDegraded, Message: msg}
	}
	ratio := pcts[0] / 100
	observ.SetGauge("mia_cpu_used_ratio", ratio, nil)
	metrics := map[string]float64{"used_ratio": ratio}
	if ratio > 0.95 {
		return Sample{Status: StatusDegraded, Message: fmt.Sprintf("cpu %.1f%% used", pcts[0]), Metrics: metrics}
	}
	return Sample{Status: StatusHealthy, Metrics: metrics}
}

// GPUProbe shells out to nvidia-smi with a hard timeout. A missing GPU is
// healthy on hosts where it is optional; Required makes it unhealthy. A hung
// query is unhealthy either way.
type GPUProbe struct {
	Timeout  time.Duration
	Required bool

	// runner is swapped in tests.
	runner func(ctx context.Context) (string, error)
}

func (p *GPUProbe) Name() string { return "gpu" }

func (p *GPUProbe) run(ctx context.Context) (string, error) {
	if p.runner != nil {
		return p.runner(ctx)
	}
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	return string(out), err
}

func (p *GPUProbe) Check(ctx context.Context) Sample {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.run(ctx)
	if ctx.Err() == context.DeadlineExceeded {
		return Sample{Status: StatusUnhealthy, Message: "nvidia-smi timed out"}
	}
	if err != nil {
		if p.Required {
			return Sample{Status: StatusUnhealthy, Message: "gpu unavailable: " + err.Error()}
		}
		return Sample{Status: StatusHealthy, Message: "gpu unavailable", Metrics: map[string]float64{"gpu_available": 0}}
	}

	metrics := map[string]float64{"gpu_available": 1}
	fields := strings.Split(strings.TrimSpace(out), ",")
	if len(fields) == 3 {
		if util, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err == nil {
			metrics["utilization"] = util / 100
			observ.SetGauge("mia_gpu_utilization_ratio", util/100, nil)
		}
		if used, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err == nil {
			metrics["memory_used_mb"] = used
		}
		if total, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64); err == nil {
			metrics["memory_total_mb"] = total
		}
	}
	return Sample{Status: StatusHealthy, Metrics: metrics}
}
