// Package memory implements the pure memory-footprint estimation formulas
// used to decide whether a model fits in the free VRAM budget.
package memory

import (
	"fmt"

	"github.com/llmgateway/scheduler/pkg/weightfile"
)

// KVQuant identifies the KV-cache quantization scheme used when estimating
// how much memory a model's context window will consume.
type KVQuant int

const (
	FP32 KVQuant = iota
	FP16
	INT8
	Q6
	Q5
	Q4
)

// bytesPerValueEntry pairs a quantization's per-value byte cost with its
// display label, exactly as laid out in the bytesPerValue table.
type bytesPerValueEntry struct {
	bytes float64
	label string
}

var kvQuantTable = map[KVQuant]bytesPerValueEntry{
	FP32: {bytes: 8.0, label: "FP32"},
	FP16: {bytes: 4.0, label: "FP16/BF16"},
	INT8: {bytes: 2.0, label: "INT8"},
	Q6:   {bytes: 1.5, label: "Q6 (6-bit)"},
	Q5:   {bytes: 1.25, label: "Q5 (5-bit)"},
	Q4:   {bytes: 1.0, label: "Q4 (4-bit)"},
}

// BytesPerValue returns the per-value byte cost for q, or an error if q is
// not one of the recognized quantizations.
func BytesPerValue(q KVQuant) (float64, error) {
	entry, ok := kvQuantTable[q]
	if !ok {
		return 0, fmt.Errorf("memory: unknown kv quant %d", q)
	}
	return entry.bytes, nil
}

// Label returns the human-readable label for q.
func (q KVQuant) Label() string {
	return kvQuantTable[q].label
}

func (q KVQuant) String() string {
	if entry, ok := kvQuantTable[q]; ok {
		return entry.label
	}
	return "unknown"
}

// ParseKVQuant maps a lowercase config-file token onto a KVQuant.
func ParseKVQuant(s string) (KVQuant, error) {
	switch s {
	case "fp32":
		return FP32, nil
	case "fp16":
		return FP16, nil
	case "int8":
		return INT8, nil
	case "q6":
		return Q6, nil
	case "q5":
		return Q5, nil
	case "q4":
		return Q4, nil
	default:
		return 0, fmt.Errorf("memory: unrecognized kv quant %q", s)
	}
}

// Estimate is the result of sizing a model: how many megabytes its weights
// occupy, how many its KV cache will occupy at the configured context
// length, and the sum of the two.
type Estimate struct {
	ModelSizeMB     uint64
	KVCacheMB       uint64
	TotalRequiredMB uint64
	KVQuant         KVQuant
}

// Estimator sizes models given their parsed WF parameters, on-disk byte
// size, context length and KV quantization. It holds no state; every method
// is pure and deterministic, which is the memory-estimator's one quantified
// testable property (bit-identical across runs for fixed inputs).
type Estimator struct{}

// NewEstimator constructs an Estimator. It is a value type in all but name;
// the constructor exists so call sites read the same way other components
// in this codebase are constructed.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate computes a MemoryEstimate for a model whose WF metadata is
// params, whose on-disk size is fileBytes, whose configured context length
// is contextTokens, and whose KV cache uses kvQuant. It returns an error
// only when kvQuant is unrecognized, and a non-nil estimate otherwise. Shard
// metadata is not reconciled here: params.SplitCount is used as given
// (weightfile.ParseFile has already let a filename shard count override
// split.count).
func (e *Estimator) Estimate(params weightfile.Params, fileBytes uint64, contextTokens uint64, kvQuant KVQuant) (*Estimate, error) {
	bytesPerValue, err := BytesPerValue(kvQuant)
	if err != nil {
		return nil, err
	}

	effectiveBytes := fileBytes
	if params.SplitCount > 1 {
		effectiveBytes = fileBytes * params.SplitCount
	}

	modelSizeMB := effectiveBytes / 1_000_000

	kvBytes := uint64(bytesPerValue * float64(params.EmbedLength) * float64(params.BlockCount) * float64(contextTokens))
	kvCacheMB := kvBytes / 1_000_000

	return &Estimate{
		ModelSizeMB:     modelSizeMB,
		KVCacheMB:       kvCacheMB,
		TotalRequiredMB: modelSizeMB + kvCacheMB,
		KVQuant:         kvQuant,
	}, nil
}

// Display renders e the way an operator-facing log line or status endpoint
// would: "<total> (Model: <model> + KV: <kv> @ <label>)".
func (e *Estimate) Display() string {
	return fmt.Sprintf("%s (Model: %s + KV: %s @ %s)",
		formatMB(e.TotalRequiredMB), formatMB(e.ModelSizeMB), formatMB(e.KVCacheMB), e.KVQuant.Label())
}

// formatMB renders a megabyte quantity as "{n} MB" below 1000 MB and as a
// one-decimal "{:.1} GB" at or above it.
func formatMB(mb uint64) string {
	if mb >= 1000 {
		return fmt.Sprintf("%.1f GB", float64(mb)/1000.0)
	}
	return fmt.Sprintf("%d MB", mb)
}
