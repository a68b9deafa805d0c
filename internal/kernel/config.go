// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"os"
	"strconv"
	"time"
)

// Config is the kernel's boot configuration.
type Config struct {
	// FrameCount is the size of the simulated physical frame pool.
	FrameCount int
	// TraceCapacity bounds the diagnostic trace ring.
	TraceCapacity int
	// StorePath is the backing directory of the initrd filesystem
	// store; empty keeps it in memory.
	StorePath string
	// StatsInterval is how often the stats manager samples collectors.
	StatsInterval time.Duration
	// PipeCapacity is the byte capacity of kernel pipes.
	PipeCapacity int
}

// ApplyDefaults fills zero-valued fields and applies environment
// overrides, the same shape the rest of the fleet's daemons use for their
// collection configs.
func (c *Config) ApplyDefaults() {
	if c.FrameCount == 0 {
		c.FrameCount = 4096
	}
	if c.TraceCapacity == 0 {
		c.TraceCapacity = 1024
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 30 * time.Second
	}
	if c.PipeCapacity == 0 {
		c.PipeCapacity = 65536
	}
	if v := os.Getenv("KCORE_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FrameCount = n
		}
	}
	if v := os.Getenv("KCORE_STORE_PATH"); v != "" {
		c.StorePath = v
	}
}
