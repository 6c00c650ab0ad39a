// Package device probes the host for the resources that decide how the pipeline runs.
package device

import (
	"github.com/23skdu/longbow-naiad/internal/config"
	"github.com/23skdu/longbow-naiad/internal/logger"
)

// MemoryProbe reports installed memory in bytes.
type MemoryProbe func() (uint64, error)

// SelectTier resolves the configured tier. Auto picks the sequential tier when the probe
// reports less than threshold bytes, or when the probe fails.
func SelectTier(requested config.Tier, threshold uint64, probe MemoryProbe) config.Tier {
	if requested != config.TierAuto {
		return requested
	}
	if probe == nil {
		probe = PhysicalMemory
	}
	mem, err := probe()
	if err != nil {
		logger.Log.Warn("memory probe failed, using sequential tier", "error", err)
		return config.TierSequential
	}
	tier := config.TierBatched
	if mem < threshold {
		tier = config.TierSequential
	}
	logger.Log.Info("selected execution tier", "tier", string(tier), "memory_gb", float64(mem)/(1<<30), "threshold_gb", float64(threshold)/(1<<30))
	return tier
}
