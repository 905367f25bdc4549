package transport

import (
	"os"
	"testing"
)

func TestSampleResourcesReadsLiveProcess(t *testing.T) {
	st := Stats{PID: os.Getpid()}
	sampleResources(&st)
	if st.RSSBytes == 0 {
		t.Fatalf("expected resident memory for pid %d", st.PID)
	}
}

func TestSampleResourcesSkipsMissingPID(t *testing.T) {
	st := Stats{}
	sampleResources(&st)
	if st.RSSBytes != 0 || st.CPUPercent != 0 {
		t.Fatalf("expected zero usage without a pid, got %+v", st)
	}
}
