package hoststats

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host probes are exercised on linux")
	}

	c := NewCollector("/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s, err := c.Collect(context.Background())
	if err != nil {
		t.Logf("Collect() partial error: %v", err)
	}

	if s.MemoryTotalMB <= 0 {
		t.Errorf("MemoryTotalMB = %v, want > 0", s.MemoryTotalMB)
	}
	if s.MemoryPercent < 0 || s.MemoryPercent > 100 {
		t.Errorf("MemoryPercent = %v, want within [0, 100]", s.MemoryPercent)
	}
	if s.ProcessRSSMB <= 0 {
		t.Errorf("ProcessRSSMB = %v, want > 0", s.ProcessRSSMB)
	}
	if s.CPUPercent < 0 {
		t.Errorf("CPUPercent = %v, want >= 0", s.CPUPercent)
	}
}

func TestCollect_BadDiskPathStillFillsRest(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("host probes are exercised on linux")
	}

	c := NewCollector("/definitely/not/mounted", nil)
	s, err := c.Collect(context.Background())
	if err == nil {
		t.Fatal("Collect() should report the disk failure")
	}
	if s.DiskPercent != 0 {
		t.Errorf("DiskPercent = %v, want 0 on failure", s.DiskPercent)
	}
	if s.MemoryTotalMB <= 0 {
		t.Errorf("MemoryTotalMB = %v, want memory still collected", s.MemoryTotalMB)
	}
}

func TestNewCollector_Defaults(t *testing.T) {
	c := NewCollector("", nil)
	if c.diskPath != "/" {
		t.Errorf("diskPath = %q, want /", c.diskPath)
	}
	if c.logger == nil {
		t.Error("logger should default")
	}
	if c.pid <= 0 {
		t.Errorf("pid = %d", c.pid)
	}
}
