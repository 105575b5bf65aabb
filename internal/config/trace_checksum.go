package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type traceChecksumEntry struct {
	Key       string     `json:"key"`
	Index     int        `json:"index"`
	StartTick int        `json:"start_tick"`
	Program   []OpConfig `json:"program"`
}

type traceChecksumPayload struct {
	Quantum       []int                `json:"quantum"`
	MaxPriority   int                  `json:"max_priority"`
	BoostInterval int                  `json:"boost_interval"`
	MaxTicks      int                  `json:"max_ticks"`
	Processes     []traceChecksumEntry `json:"processes"`
}

// TraceChecksum returns a short, stable checksum that identifies the effective
// workload and scheduler parameters of a simulation.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func TraceChecksum(cfg *SimulationConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	entries := make([]traceChecksumEntry, 0, len(cfg.Processes))
	for key, p := range cfg.Processes {
		entries = append(entries, traceChecksumEntry{
			Key:       key,
			Index:     p.Index,
			StartTick: p.StartTick,
			Program:   p.Program,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Index != entries[j].Index {
			return entries[i].Index < entries[j].Index
		}
		return entries[i].Key < entries[j].Key
	})

	s := cfg.Simulation.Scheduler
	payload := traceChecksumPayload{
		Quantum:       s.Quantum,
		MaxPriority:   s.GetMaxPriority(),
		BoostInterval: s.BoostInterval,
		MaxTicks:      cfg.Simulation.MaxTicks,
		Processes:     entries,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
