package config

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientMemory is returned when the buffer ceiling cannot fit in
// the memory the host has available.
var ErrInsufficientMemory = errors.New("buffer ceiling exceeds available memory")

// CheckHostMemory verifies the host can back the configured buffer ceiling.
func CheckHostMemory(c *Config) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("read host memory: %w", err)
	}
	return checkAvailable(c.Buffer, vm.Available)
}

func checkAvailable(b BufferConfig, available uint64) error {
	need := uint64(b.Ceiling)
	// split pools let each direction reach the ceiling
	if b.SplitPools {
		need *= 2
	}
	if need > available {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientMemory, need, available)
	}
	return nil
}
