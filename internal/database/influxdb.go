package database

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"mlfq-sim/internal/accounting"
	"mlfq-sim/internal/config"
	"mlfq-sim/internal/dataframe"
	"mlfq-sim/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	measurementTicks = "mlfq_ticks"
	measurementMeta  = "mlfq_meta"
)

// RunMetadata contains all metadata about a simulation run
type RunMetadata struct {
	RunID            string `json:"run_id"`
	RunNumber        int    `json:"run_number"`
	SimulationName   string `json:"simulation_name"`
	Description      string `json:"description"`
	TraceChecksum    string `json:"trace_checksum"`
	RunStarted       string `json:"run_started"`  // RFC3339 timestamp
	RunFinished      string `json:"run_finished"` // RFC3339 timestamp
	DurationMS       int64  `json:"duration_ms"`
	SimulatedTicks   uint64 `json:"simulated_ticks"`
	MaxTicks         int    `json:"max_ticks"`
	TotalProcesses   int    `json:"total_processes"`
	Boosts           int    `json:"boosts"`
	Locks            int    `json:"locks"`
	IdleTicks        int    `json:"idle_ticks"`
	Quantum          string `json:"quantum"`
	MaxPriority      int    `json:"max_priority"`
	BoostInterval    int    `json:"boost_interval"`
	SchedulerVersion string `json:"scheduler_version"`
	Halted           string `json:"halted,omitempty"`
	Hostname         string `json:"hostname"`
	OSInfo           string `json:"os_info"`
	KernelVersion    string `json:"kernel_version"`
	TotalSamples     int    `json:"total_samples"`
	ConfigFile       string `json:"config_file"`
}

// SystemInfo contains host system information
type SystemInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
}

func collectSystemInfo() *SystemInfo {
	info := &SystemInfo{}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info.Hostname = hostname
	info.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.KernelVersion = parts[2]
		}
	}
	if info.KernelVersion == "" {
		info.KernelVersion = "unknown"
	}
	return info
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

func NewInfluxDBClient(ctx context.Context, config config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is %s: %s", config.Host, health.Status, msg)
	}

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Name),
		queryAPI: client.QueryAPI(config.Org),
		bucket:   config.Name,
		org:      config.Org,
	}, nil
}

// GetLastRunNumber returns the highest run number stored in the bucket, 0
// when there is none.
func (idb *InfluxDBClient) GetLastRunNumber(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "%s")
		|> distinct(column: "run_number")
		|> map(fn: (r) => ({_value: int(v: r.run_number)}))
		|> max()
		|> yield(name: "max_run_number")
	`, idb.bucket, measurementMeta)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query last run number: %w", err)
	}
	defer result.Close()

	maxNumber := 0
	for result.Next() {
		if id, ok := result.Record().Value().(int64); ok {
			maxNumber = int(id)
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query results: %w", result.Err())
	}
	return maxNumber, nil
}

// WriteDataFrames writes one point per process and tick.
func (idb *InfluxDBClient) WriteDataFrames(ctx context.Context, meta *RunMetadata, dataframes *dataframe.DataFrames) error {
	points := BuildPoints(meta, dataframes)
	if len(points) == 0 {
		return nil
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write data points: %w", err)
	}
	return nil
}

// BuildPoints converts the recorded samples into line protocol points.
func BuildPoints(meta *RunMetadata, dataframes *dataframe.DataFrames) []*write.Point {
	var points []*write.Point
	for _, pid := range dataframes.PIDs() {
		pdf := dataframes.GetProcess(pid)
		for _, n := range pdf.SortedSteps() {
			step := pdf.GetStep(n)
			if step == nil || step.Sched == nil {
				continue
			}
			point := influxdb2.NewPoint(measurementTicks,
				map[string]string{
					"run_id":       meta.RunID,
					"run_number":   fmt.Sprintf("%d", meta.RunNumber),
					"simulation":   meta.SimulationName,
					"pid":          fmt.Sprintf("%d", pid),
					"process_name": pdf.Name,
				},
				createFields(step, n),
				step.Timestamp)
			points = append(points, point)
		}
	}
	return points
}

func createFields(step *dataframe.SamplingStep, stepNumber int) map[string]interface{} {
	s := step.Sched
	return map[string]interface{}{
		"step_number": stepNumber,
		"tick":        step.Tick,
		"state":       s.State,
		"level":       s.Level,
		"ticks_left":  s.TicksLeft,
		"ticks_used":  s.TicksUsed,
		"priority":    s.Priority,
		"enter_id":    s.EnterID,
		"running":     s.Running,
		"locked":      s.Locked,
		"boosted":     s.Boosted,
	}
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, metadata *RunMetadata) error {
	point := influxdb2.NewPoint(measurementMeta,
		map[string]string{
			"run_id":     metadata.RunID,
			"run_number": fmt.Sprintf("%d", metadata.RunNumber),
		},
		map[string]interface{}{
			"simulation_name":   metadata.SimulationName,
			"description":       metadata.Description,
			"trace_checksum":    metadata.TraceChecksum,
			"run_started":       metadata.RunStarted,
			"run_finished":      metadata.RunFinished,
			"duration_ms":       metadata.DurationMS,
			"simulated_ticks":   metadata.SimulatedTicks,
			"max_ticks":         metadata.MaxTicks,
			"total_processes":   metadata.TotalProcesses,
			"boosts":            metadata.Boosts,
			"locks":             metadata.Locks,
			"idle_ticks":        metadata.IdleTicks,
			"quantum":           metadata.Quantum,
			"max_priority":      metadata.MaxPriority,
			"boost_interval":    metadata.BoostInterval,
			"scheduler_version": metadata.SchedulerVersion,
			"halted":            metadata.Halted,
			"hostname":          metadata.Hostname,
			"os_info":           metadata.OSInfo,
			"kernel_version":    metadata.KernelVersion,
			"total_samples":     metadata.TotalSamples,
			"config_file":       metadata.ConfigFile,
		},
		time.Now())

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// RunInfo carries what CollectRunMetadata needs beyond the config.
type RunInfo struct {
	RunID            string
	RunNumber        int
	ConfigContent    string
	Report           *accounting.Report
	SchedulerVersion string
	Halted           error
	Start, End       time.Time
}

func CollectRunMetadata(cfg *config.SimulationConfig, dataframes *dataframe.DataFrames, info RunInfo) *RunMetadata {
	sysInfo := collectSystemInfo()

	totalSamples := 0
	for _, pdf := range dataframes.GetAllProcesses() {
		totalSamples += len(pdf.GetAllSteps())
	}

	checksum, err := config.TraceChecksum(cfg)
	if err != nil {
		checksum = ""
	}

	sched := cfg.Simulation.Scheduler
	meta := &RunMetadata{
		RunID:            info.RunID,
		RunNumber:        info.RunNumber,
		SimulationName:   cfg.Simulation.Name,
		Description:      cfg.Simulation.Description,
		TraceChecksum:    checksum,
		RunStarted:       info.Start.Format(time.RFC3339),
		RunFinished:      info.End.Format(time.RFC3339),
		DurationMS:       info.End.Sub(info.Start).Milliseconds(),
		MaxTicks:         cfg.Simulation.MaxTicks,
		TotalProcesses:   len(cfg.Processes),
		Quantum:          fmt.Sprint(sched.Quantum),
		MaxPriority:      sched.GetMaxPriority(),
		BoostInterval:    sched.BoostInterval,
		SchedulerVersion: info.SchedulerVersion,
		Hostname:         sysInfo.Hostname,
		OSInfo:           sysInfo.OSInfo,
		KernelVersion:    sysInfo.KernelVersion,
		TotalSamples:     totalSamples,
		ConfigFile:       info.ConfigContent,
	}
	if info.Report != nil {
		meta.SimulatedTicks = info.Report.Ticks
		meta.Boosts = info.Report.Boosts
		meta.Locks = info.Report.Locks
		meta.IdleTicks = info.Report.IdleTicks
	}
	if info.Halted != nil {
		meta.Halted = info.Halted.Error()
	}
	return meta
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
