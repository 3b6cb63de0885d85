//go:build !linux

package server

func processRSSBytes() (uint64, bool) { return 0, false }
