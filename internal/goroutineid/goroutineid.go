// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package goroutineid exposes the runtime identifier of the calling goroutine.
package goroutineid

import (
	"runtime"
)

// Get returns the current goroutine's ID, parsed from the header line of
// runtime.Stack ("goroutine 123 [running]:"). IDs are never zero, so zero is
// safe to use as "no goroutine".
func Get() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
