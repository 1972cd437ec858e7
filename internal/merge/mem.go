package merge

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// memSampler samples the process's resident-set size once per second,
// tracking the maximum observed. runtime.MemStats only reports the Go
// heap, not RSS, so this uses gopsutil to honour "resident-set size of
// the process" faithfully (spec §4.C).
type memSampler struct {
	peakBytes int64 // atomic
	proc      *process.Process
}

func newMemSampler() *memSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &memSampler{}
	}
	return &memSampler{proc: proc}
}

// run samples until ctx is cancelled. Intended to be started in its own
// goroutine alongside the fetch+merge phases.
func (m *memSampler) run(ctx context.Context) {
	if m.proc == nil {
		return
	}
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	m.sampleOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *memSampler) sampleOnce() {
	info, err := m.proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	for {
		cur := atomic.LoadInt64(&m.peakBytes)
		if int64(info.RSS) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&m.peakBytes, cur, int64(info.RSS)) {
			return
		}
	}
}

// peakMB returns the maximum RSS observed, in megabytes.
func (m *memSampler) peakMB() float64 {
	return float64(atomic.LoadInt64(&m.peakBytes)) / (1024 * 1024)
}
