package storebench

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"pkt.systems/storebench/internal/hostinfo"
	"pkt.systems/storebench/internal/stats"
)

// Report is the outcome of a completed run.
type Report struct {
	RunID   string
	Version string
	Backend string
	// Workload is WorkloadWrite or WorkloadRead. Empty reads as write.
	Workload      string
	Dataset       string
	Workers       int
	QueueCapacity int
	RetryCount    int
	RetryDelay    time.Duration
	StartedAt     time.Time
	// Dispatched counts records handed to tasks in the measured pass.
	Dispatched   int64
	Elapsed      time.Duration
	PeakInFlight int64
	Stats        stats.Snapshot
	Percentiles  stats.Summary
	// Throughput is successful operations per second of Elapsed.
	Throughput float64
	// Seed summarises the write pass that filled the backend before a read
	// workload. Nil for write runs.
	Seed *SeedSummary
	// Outstanding is acquired minus released admission permits after the
	// drain. Anything but zero is a leak.
	Outstanding int64
	Host        *hostinfo.Snapshot
}

// SeedSummary describes the write pass run during Preparing ahead of a read
// workload.
type SeedSummary struct {
	Dispatched int64
	Elapsed    time.Duration
	Stats      stats.Snapshot
}

func (r *Report) workload() string {
	if r.Workload == "" {
		return WorkloadWrite
	}
	return r.Workload
}

// Write renders r in the given format (text, table or json).
func (r *Report) Write(w io.Writer, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", OutputText:
		return r.writeText(w)
	case OutputTable:
		return r.writeTable(w)
	case OutputJSON:
		return r.writeJSON(w)
	default:
		return fmt.Errorf("report: unknown format %q (options: %s)", format, strings.Join(ValidOutputs(), ", "))
	}
}

func (r *Report) writeText(w io.Writer) error {
	s := r.Stats
	p := r.Percentiles
	op := r.workload()
	lines := []string{
		fmt.Sprintf("@ All requests sent: %d", r.Dispatched),
		fmt.Sprintf("@ All %ss completed in %s", op, r.Elapsed),
		fmt.Sprintf("@ Fail count: %d, Success count: %d", s.Failed, s.Succeeded),
		fmt.Sprintf("@ Max latency: %d ms", s.Max.Milliseconds()),
		fmt.Sprintf("@ Min latency: %d ms", s.Min.Milliseconds()),
		fmt.Sprintf("@ Avg latency: %.2f ms", s.AvgMillis()),
		fmt.Sprintf("@ Throughput: %.2f %ss/sec(TPS)", r.Throughput, op),
		fmt.Sprintf("%s: ops=%d ops/s=%.1f avg=%s p50=%s p90=%s p95=%s p99=%s p99.9=%s min=%s max=%s errors=%d retries=%d",
			op, s.Succeeded, r.Throughput, s.Avg(), p.P50, p.P90, p.P95, p.P99, p.P999, s.Min, s.Max, s.Failed, s.FailedAttempts),
		fmt.Sprintf("run: id=%s backend=%s workload=%s workers=%d queue=%d retry=%dx%s peak_inflight=%d",
			r.RunID, r.Backend, op, r.Workers, r.QueueCapacity, r.RetryCount, r.RetryDelay, r.PeakInFlight),
	}
	if sd := r.Seed; sd != nil {
		lines = append(lines, fmt.Sprintf("seed: sent=%d ops=%d errors=%d retries=%d elapsed=%s",
			sd.Dispatched, sd.Stats.Succeeded, sd.Stats.Failed, sd.Stats.FailedAttempts, sd.Elapsed))
	}
	if h := r.Host; h != nil {
		lines = append(lines, fmt.Sprintf("host: name=%s os=%s/%s cpus=%d gomaxprocs=%d mem=%s load=%.2f/%.2f/%.2f",
			h.Hostname, h.OS, h.Arch, h.LogicalCPUs, h.GOMAXPROCS, compactBytes(h.MemoryTotal), h.Load1, h.Load5, h.Load15))
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

func (r *Report) writeTable(w io.Writer) error {
	s := r.Stats
	p := r.Percentiles
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.SetTitle(fmt.Sprintf("storebench %s (%s)", r.Backend, r.RunID))
	t.AppendHeader(table.Row{"metric", "value"})
	rows := []table.Row{
		{"workload", r.workload()},
		{"dispatched", r.Dispatched},
		{"succeeded", s.Succeeded},
		{"failed", s.Failed},
		{"failed attempts", s.FailedAttempts},
		{"elapsed", r.Elapsed},
		{fmt.Sprintf("throughput (%ss/s)", r.workload()), strconv.FormatFloat(r.Throughput, 'f', 2, 64)},
		{"min", s.Min},
		{"avg", s.Avg()},
		{"p50", p.P50},
		{"p90", p.P90},
		{"p95", p.P95},
		{"p99", p.P99},
		{"p99.9", p.P999},
		{"max", s.Max},
		{"workers", r.Workers},
		{"queue capacity", r.QueueCapacity},
		{"retry", fmt.Sprintf("%dx%s", r.RetryCount, r.RetryDelay)},
		{"peak in-flight", r.PeakInFlight},
	}
	if sd := r.Seed; sd != nil {
		rows = append(rows,
			table.Row{"seed succeeded", sd.Stats.Succeeded},
			table.Row{"seed failed", sd.Stats.Failed},
			table.Row{"seed elapsed", sd.Elapsed},
		)
	}
	if h := r.Host; h != nil {
		rows = append(rows,
			table.Row{"host", h.Hostname},
			table.Row{"cpus", h.LogicalCPUs},
			table.Row{"memory", compactBytes(h.MemoryTotal)},
			table.Row{"load", fmt.Sprintf("%.2f/%.2f/%.2f", h.Load1, h.Load5, h.Load15)},
		)
	}
	t.AppendRows(rows)
	t.Render()
	return nil
}

type jsonReport struct {
	RunID          string             `json:"run_id"`
	Version        string             `json:"version,omitempty"`
	Backend        string             `json:"backend"`
	Workload       string             `json:"workload"`
	Dataset        string             `json:"dataset"`
	StartedAt      time.Time          `json:"started_at"`
	Workers        int                `json:"workers"`
	QueueCapacity  int                `json:"queue_capacity"`
	RetryCount     int                `json:"retry_count"`
	RetryDelayMS   float64            `json:"retry_delay_ms"`
	Dispatched     int64              `json:"dispatched"`
	Attempted      int64              `json:"attempted"`
	Succeeded      int64              `json:"succeeded"`
	Failed         int64              `json:"failed"`
	FailedAttempts int64              `json:"failed_attempts"`
	ElapsedMS      float64            `json:"elapsed_ms"`
	Throughput     float64            `json:"throughput"`
	PeakInFlight   int64              `json:"peak_inflight"`
	LatencyMS      jsonLatency        `json:"latency_ms"`
	Seed           *jsonSeed          `json:"seed,omitempty"`
	Host           *hostinfo.Snapshot `json:"host,omitempty"`
}

type jsonSeed struct {
	Dispatched     int64   `json:"dispatched"`
	Succeeded      int64   `json:"succeeded"`
	Failed         int64   `json:"failed"`
	FailedAttempts int64   `json:"failed_attempts"`
	ElapsedMS      float64 `json:"elapsed_ms"`
}

type jsonLatency struct {
	Min  float64 `json:"min"`
	Avg  float64 `json:"avg"`
	Max  float64 `json:"max"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	P999 float64 `json:"p999"`
}

func (r *Report) writeJSON(w io.Writer) error {
	s := r.Stats
	p := r.Percentiles
	doc := jsonReport{
		RunID:          r.RunID,
		Version:        r.Version,
		Backend:        r.Backend,
		Workload:       r.workload(),
		Dataset:        r.Dataset,
		StartedAt:      r.StartedAt,
		Workers:        r.Workers,
		QueueCapacity:  r.QueueCapacity,
		RetryCount:     r.RetryCount,
		RetryDelayMS:   millis(r.RetryDelay),
		Dispatched:     r.Dispatched,
		Attempted:      s.Attempted,
		Succeeded:      s.Succeeded,
		Failed:         s.Failed,
		FailedAttempts: s.FailedAttempts,
		ElapsedMS:      millis(r.Elapsed),
		Throughput:     r.Throughput,
		PeakInFlight:   r.PeakInFlight,
		LatencyMS: jsonLatency{
			Min:  millis(s.Min),
			Avg:  s.AvgMillis(),
			Max:  millis(s.Max),
			P50:  millis(p.P50),
			P90:  millis(p.P90),
			P95:  millis(p.P95),
			P99:  millis(p.P99),
			P999: millis(p.P999),
		},
		Host: r.Host,
	}
	if sd := r.Seed; sd != nil {
		doc.Seed = &jsonSeed{
			Dispatched:     sd.Dispatched,
			Succeeded:      sd.Stats.Succeeded,
			Failed:         sd.Stats.Failed,
			FailedAttempts: sd.Stats.FailedAttempts,
			ElapsedMS:      millis(sd.Elapsed),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func compactBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}
