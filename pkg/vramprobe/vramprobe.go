// Package vramprobe implements scheduler.VRAMProbe by shelling out to
// nvidia-smi, the vendor-neutral analogue of querying rocm-smi for AMD
// cards.
package vramprobe

import (
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/llmgateway/scheduler/pkg/logging"
)

// Probe reads total/used GPU memory by shelling out to nvidia-smi. Any
// failure to exec, parse, or find the binary is logged and reported as
// zero, never propagated, so a GPU-less or misconfigured host never aborts
// the scheduler.
type Probe struct {
	log logging.Logger
}

// New returns a Probe that logs failures through log.
func New(log logging.Logger) *Probe {
	return &Probe{log: log}
}

// Total returns the GPU's total memory in MB, or 0 if it could not be read.
func (p *Probe) Total(ctx context.Context) uint64 {
	total, _, ok := p.query(ctx)
	if !ok {
		return 0
	}
	return total
}

// Used returns the GPU's currently used memory in MB, or 0 if it could not
// be read.
func (p *Probe) Used(ctx context.Context) uint64 {
	_, used, ok := p.query(ctx)
	if !ok {
		return 0
	}
	return used
}

// Free returns max(0, Total-Used) in MB.
func (p *Probe) Free(ctx context.Context) uint64 {
	total, used, ok := p.query(ctx)
	if !ok {
		return 0
	}
	if used >= total {
		return 0
	}
	return total - used
}

// query runs nvidia-smi and parses the first GPU's total/used memory,
// converting MiB (the unit nvidia-smi reports) to MB.
func (p *Probe) query(ctx context.Context) (totalMB, usedMB uint64, ok bool) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.used",
		"--format=csv,noheader,nounits")

	out, err := cmd.Output()
	if err != nil {
		p.log.Warnf("vramprobe: nvidia-smi failed: %v", err)
		return 0, 0, false
	}

	totalMB, usedMB, err := parseMemoryCSV(out)
	if err != nil {
		p.log.Warnf("vramprobe: %v", err)
		return 0, 0, false
	}
	p.log.Debugf("vramprobe: total=%s used=%s",
		units.BytesSize(float64(totalMB)*1_000_000), units.BytesSize(float64(usedMB)*1_000_000))
	return totalMB, usedMB, true
}

// parseMemoryCSV parses the first GPU's total/used memory line from
// `nvidia-smi --query-gpu=memory.total,memory.used --format=csv,noheader,nounits`
// output, converting MiB (the unit nvidia-smi reports) to MB.
func parseMemoryCSV(out []byte) (totalMB, usedMB uint64, err error) {
	reader := csv.NewReader(strings.NewReader(string(out)))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return 0, 0, fmt.Errorf("could not parse nvidia-smi output: %w", err)
	}
	if len(records) == 0 {
		return 0, 0, fmt.Errorf("nvidia-smi returned no rows")
	}

	row := records[0]
	if len(row) != 2 {
		return 0, 0, fmt.Errorf("unexpected nvidia-smi row shape: %v", row)
	}

	totalMiB, err := strconv.ParseUint(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("could not parse total memory %q: %w", row[0], err)
	}
	usedMiB, err := strconv.ParseUint(strings.TrimSpace(row[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("could not parse used memory %q: %w", row[1], err)
	}

	const mibToMB = 1048576.0 / 1000000.0
	return uint64(float64(totalMiB) * mibToMB), uint64(float64(usedMiB) * mibToMB), nil
}
