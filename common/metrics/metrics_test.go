package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMemTotal(t *testing.T) {
	data := []byte("MemTotal:       16384000 kB\nMemFree:         1000 kB\n")
	assert.Equal(t, uint64(16000), parseMemTotal(data))
	assert.Zero(t, parseMemTotal([]byte("MemFree: 10 kB\n")))
	assert.Zero(t, parseMemTotal([]byte("MemTotal: lots kB\n")))
}

func TestDefaultWorkers(t *testing.T) {
	assert.Equal(t, 8, (&Host{CPULogical: 8, TotalMemoryMB: 16000}).DefaultWorkers())
	assert.Equal(t, 2, (&Host{CPULogical: 8, TotalMemoryMB: 1024}).DefaultWorkers())
	assert.Equal(t, 1, (&Host{CPULogical: 4, TotalMemoryMB: 100}).DefaultWorkers())
	assert.Equal(t, 4, (&Host{CPULogical: 4}).DefaultWorkers(), "unknown memory")
}

func TestGetHostIsCached(t *testing.T) {
	h := GetHost()
	assert.Same(t, h, GetHost())
	assert.Positive(t, h.CPULogical)
	assert.NotEmpty(t, h.GoVersion)
}

func TestCaptureRuntime(t *testing.T) {
	r := CaptureRuntime()
	assert.Positive(t, r.Goroutines)
	assert.Positive(t, r.SysMB)
}
