/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	psprocess "github.com/shirou/gopsutil/v4/process"
)

// sampleResources fills CPU and memory usage for a live pid. Failures leave zeros;
// the process may exit between the registry lookup and the sample.
func sampleResources(st *Stats) {
	if st.PID <= 0 {
		return
	}
	proc, err := psprocess.NewProcess(int32(st.PID))
	if err != nil {
		return
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
}
