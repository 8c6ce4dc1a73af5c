package storebench

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/storebench/internal/dataset"
)

const (
	// DefaultWorkers caps concurrently in-flight write tasks.
	DefaultWorkers = 10000
	// DefaultRetryCount is the number of write attempts per record.
	DefaultRetryCount = 10
	// DefaultRetryDelay is the fixed pause between write attempts.
	DefaultRetryDelay = 100 * time.Millisecond
	// DefaultDataset is the dataset path used when none is configured.
	DefaultDataset = "dataset.csv"
	// DefaultDatasetMaxLine bounds a single dataset line in bytes.
	DefaultDatasetMaxLine = dataset.DefaultMaxLineBytes
	// DefaultHealthAttempts is the number of health checks before giving up.
	DefaultHealthAttempts = 10
	// DefaultHealthInterval separates health checks.
	DefaultHealthInterval = time.Second
	// DefaultProgressEvery is the dataset progress log interval in records.
	DefaultProgressEvery = 10000
	// DefaultWorkload is the operation driven against the backend.
	DefaultWorkload = WorkloadWrite
	// DefaultOutput selects the report format.
	DefaultOutput = OutputText
	// DefaultMetricsListen is the default Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is looked up under DefaultConfigDir when no config
	// file is given.
	DefaultConfigFileName = "config.yaml"
)

const (
	// OutputText prints the line-oriented report.
	OutputText = "text"
	// OutputTable renders the report as a table.
	OutputTable = "table"
	// OutputJSON emits the report as a JSON document.
	OutputJSON = "json"
)

const (
	// WorkloadWrite writes every dataset record once.
	WorkloadWrite = "write"
	// WorkloadRead seeds the backend with the dataset during Preparing, then
	// reads every key back.
	WorkloadRead = "read"
)

// ValidWorkloads lists the accepted workloads.
func ValidWorkloads() []string {
	return []string{WorkloadWrite, WorkloadRead}
}

// ValidOutputs lists the accepted report formats.
func ValidOutputs() []string {
	return []string{OutputText, OutputTable, OutputJSON}
}

// Config captures one benchmark run.
type Config struct {
	// Backend selects the adapter, see Backends.
	Backend string
	// Target is the backend DSN or URL. Empty uses the backend default.
	Target string
	// PoolSize overrides the client pool size of pooled backends. Zero keeps
	// the backend default.
	PoolSize int
	// Workload is WorkloadWrite or WorkloadRead.
	Workload string

	Dataset        string
	DatasetMaxLine int64

	Workers        int
	QueueCapacity  int
	RetryCount     int
	RetryDelay     time.Duration
	RetryDelaySet  bool
	HealthAttempts int
	HealthInterval time.Duration
	WriteTimeout   time.Duration
	RateLimit      float64
	ProgressEvery  int

	Output string

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		return fmt.Errorf("config: backend is required (options: %s)", strings.Join(BackendNames(), ", "))
	}
	if _, ok := lookupBackend(c.Backend); !ok {
		return fmt.Errorf("config: unknown backend %q (options: %s)", c.Backend, strings.Join(BackendNames(), ", "))
	}
	c.Target = strings.TrimSpace(c.Target)
	if c.PoolSize < 0 {
		return fmt.Errorf("config: pool size must be >= 0")
	}
	c.Workload = strings.ToLower(strings.TrimSpace(c.Workload))
	if c.Workload == "" {
		c.Workload = DefaultWorkload
	}
	switch c.Workload {
	case WorkloadWrite:
	case WorkloadRead:
		if spec, _ := lookupBackend(c.Backend); !spec.Reads {
			return fmt.Errorf("config: backend %q does not support the read workload", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown workload %q (options: %s)", c.Workload, strings.Join(ValidWorkloads(), ", "))
	}
	c.Dataset = strings.TrimSpace(c.Dataset)
	if c.Dataset == "" {
		c.Dataset = DefaultDataset
	}
	if c.DatasetMaxLine == 0 {
		c.DatasetMaxLine = DefaultDatasetMaxLine
	} else if c.DatasetMaxLine < 0 {
		return fmt.Errorf("config: dataset max line must be > 0")
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	} else if c.Workers < 0 {
		return fmt.Errorf("config: worker count must be >= 1")
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = c.Workers
	} else if c.QueueCapacity < 0 {
		return fmt.Errorf("config: queue capacity must be >= 1")
	}
	if c.RetryCount == 0 {
		c.RetryCount = DefaultRetryCount
	} else if c.RetryCount < 0 {
		return fmt.Errorf("config: retry count must be >= 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("config: retry delay must be >= 0")
	}
	if c.RetryDelay == 0 && !c.RetryDelaySet {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HealthAttempts == 0 {
		c.HealthAttempts = DefaultHealthAttempts
	} else if c.HealthAttempts < 0 {
		return fmt.Errorf("config: health attempts must be >= 1")
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	} else if c.HealthInterval < 0 {
		return fmt.Errorf("config: health interval must be >= 0")
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("config: write timeout must be >= 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("config: rate limit must be >= 0")
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	c.Output = strings.ToLower(strings.TrimSpace(c.Output))
	if c.Output == "" {
		c.Output = DefaultOutput
	}
	switch c.Output {
	case OutputText, OutputTable, OutputJSON:
	default:
		return fmt.Errorf("config: unknown output %q (options: %s)", c.Output, strings.Join(ValidOutputs(), ", "))
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns $STOREBENCH_CONFIG_DIR or $HOME/.storebench.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("STOREBENCH_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".storebench"), nil
}
