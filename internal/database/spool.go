package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mlfq-sim/internal/accounting"
	"mlfq-sim/internal/config"
	"mlfq-sim/internal/dataframe"

	"github.com/google/uuid"
)

// SpoolArtifact is the on-disk report of one simulation run. It is written
// once and never loaded back into a scheduler.
type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID          string `json:"run_id"`
	SimulationName string `json:"simulation_name"`
	TraceChecksum  string `json:"trace_checksum"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	ConfigContent string `json:"config_content"`

	Report   *accounting.Report        `json:"report"`
	Metadata *RunMetadata              `json:"metadata"`
	Samples  map[int][]*SampleEnvelope `json:"samples,omitempty"`
}

// SampleEnvelope is a sampling step keyed by its step number.
type SampleEnvelope struct {
	Step int                     `json:"step"`
	Data *dataframe.SamplingStep `json:"data"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("MLFQ_SIM_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.TraceChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	runID := artifact.RunID
	if runID == "" {
		runID = NewRunID()
		artifact.RunID = runID
	}
	name := fmt.Sprintf(
		"run_%s_%s_%s.json.gz",
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
		shortID(runID),
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact decodes an artifact written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream %s: %w", path, err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("decode spool artifact %s: %w", path, err)
	}
	return &artifact, nil
}

func shortID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return strings.ReplaceAll(parsed.String(), "-", "")[:8]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// BuildSpoolArtifact constructs a spool artifact from the in-memory run results.
func BuildSpoolArtifact(
	cfg *config.SimulationConfig,
	configContent string,
	report *accounting.Report,
	metadata *RunMetadata,
	dataframes *dataframe.DataFrames,
	startTime, endTime time.Time,
) *SpoolArtifact {
	name := ""
	checksum := ""
	if cfg != nil {
		name = cfg.Simulation.Name
		if cs, err := config.TraceChecksum(cfg); err == nil {
			checksum = cs
		}
	}
	runID := ""
	if metadata != nil {
		runID = metadata.RunID
		if checksum == "" {
			checksum = metadata.TraceChecksum
		}
		if name == "" {
			name = metadata.SimulationName
		}
	}

	var samples map[int][]*SampleEnvelope
	if dataframes != nil {
		samples = make(map[int][]*SampleEnvelope)
		for _, pid := range dataframes.PIDs() {
			pdf := dataframes.GetProcess(pid)
			for _, n := range pdf.SortedSteps() {
				samples[pid] = append(samples[pid], &SampleEnvelope{Step: n, Data: pdf.GetStep(n)})
			}
		}
	}

	return &SpoolArtifact{
		Version:        1,
		CreatedAt:      time.Now(),
		RunID:          runID,
		SimulationName: name,
		TraceChecksum:  checksum,
		StartTime:      startTime,
		EndTime:        endTime,
		ConfigContent:  configContent,
		Report:         report,
		Metadata:       metadata,
		Samples:        samples,
	}
}
