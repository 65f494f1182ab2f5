package metrics

import "runtime"

// Runtime is a point-in-time view of the Go runtime
type Runtime struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	Goroutines  int     `json:"goroutines"`
	NumGC       uint32  `json:"num_gc"`
}

// CaptureRuntime reads the current memory statistics
func CaptureRuntime() Runtime {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Runtime{
		HeapAllocMB: float64(m.HeapAlloc) / 1024 / 1024,
		SysMB:       float64(m.Sys) / 1024 / 1024,
		Goroutines:  runtime.NumGoroutine(),
		NumGC:       m.NumGC,
	}
}
