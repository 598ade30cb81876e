//go:build !deadlock

// Package sync provides the lock types used by the streaming core. Building
// with -tags deadlock swaps Mutex and RWMutex for go-deadlock's, which report
// lock-order inversions between multiplexer, connection and subscriber locks.
package sync

import "sync"

// Mutex is the standard sync.Mutex.
type Mutex = sync.Mutex

// RWMutex is the standard sync.RWMutex.
type RWMutex = sync.RWMutex

// Once is the standard sync.Once.
type Once = sync.Once

// WaitGroup is the standard sync.WaitGroup.
type WaitGroup = sync.WaitGroup
