package bench

import (
	"io"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sys/cpu"
)

// Report is the JSON artifact of one benchmark invocation.
type Report struct {
	RunID     string       `json:"run_id"`
	Suite     string       `json:"suite"`
	StartedAt time.Time    `json:"started_at"`
	System    SystemInfo   `json:"system"`
	Results   []CaseResult `json:"results"`
}

// SystemInfo describes the host the benchmark ran on.
type SystemInfo struct {
	GoVersion  string          `json:"go_version"`
	GoOS       string          `json:"go_os"`
	GoArch     string          `json:"go_arch"`
	CPUs       int             `json:"cpus"`
	GoMaxProcs int             `json:"gomaxprocs"`
	Features   map[string]bool `json:"features"`
}

// CaseResult is the timing summary of one case.
type CaseResult struct {
	Case Case `json:"case"`

	ForwardAvg  time.Duration `json:"forward_avg_ns"`
	ForwardMin  time.Duration `json:"forward_min_ns"`
	BackwardAvg time.Duration `json:"backward_avg_ns,omitempty"`
	BackwardMin time.Duration `json:"backward_min_ns,omitempty"`

	ForwardGFLOPS  float64 `json:"forward_gflops"`
	BackwardGFLOPS float64 `json:"backward_gflops,omitempty"`
}

// NewReport allocates a report with a fresh run ID and host info.
func NewReport(suite string) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Suite:     suite,
		StartedAt: time.Now().UTC(),
		System: SystemInfo{
			GoVersion:  runtime.Version(),
			GoOS:       runtime.GOOS,
			GoArch:     runtime.GOARCH,
			CPUs:       runtime.NumCPU(),
			GoMaxProcs: runtime.GOMAXPROCS(0),
			Features:   cpuFeatures(),
		},
	}
}

// Write encodes the report as indented JSON.
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func cpuFeatures() map[string]bool {
	return map[string]bool{
		"AVX":      cpu.X86.HasAVX,
		"AVX2":     cpu.X86.HasAVX2,
		"AVX512F":  cpu.X86.HasAVX512F,
		"FMA":      cpu.X86.HasFMA,
		"SSE42":    cpu.X86.HasSSE42,
		"ASIMD":    cpu.ARM64.HasASIMD,
		"SVE":      cpu.ARM64.HasSVE,
		"ASIMDFHM": cpu.ARM64.HasASIMDFHM,
		"ASIMDRDM": cpu.ARM64.HasASIMDRDM,
	}
}
