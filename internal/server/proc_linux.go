//go:build linux

package server

import "github.com/prometheus/procfs"

// processRSSBytes returns the resident set size of this process. ok is false
// if /proc is unavailable or unreadable.
func processRSSBytes() (uint64, bool) {
	p, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	st, err := p.Stat()
	if err != nil {
		return 0, false
	}
	return uint64(st.ResidentMemory()), true
}
