// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package mem_test

import (
	"testing"

	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAllocator(t *testing.T) {
	t.Run("allocate decrements free count", func(t *testing.T) {
		a := mem.NewFrameAllocator(logr.Discard(), 4)
		require.Equal(t, 3, a.Free()) // frame 0 reserved as the null sentinel

		f, ok := a.Allocate()
		assert.True(t, ok)
		assert.NotEqual(t, mem.Frame(0), f)
		assert.Equal(t, 2, a.Free())
	})

	t.Run("exhaustion reports false", func(t *testing.T) {
		a := mem.NewFrameAllocator(logr.Discard(), 2)
		_, ok := a.Allocate()
		require.True(t, ok)
		_, ok = a.Allocate()
		assert.False(t, ok)
	})

	t.Run("deallocate then reallocate reuses the frame", func(t *testing.T) {
		a := mem.NewFrameAllocator(logr.Discard(), 2)
		f, ok := a.Allocate()
		require.True(t, ok)
		a.Deallocate(f)
		assert.Equal(t, 1, a.Free())

		f2, ok := a.Allocate()
		require.True(t, ok)
		assert.Equal(t, f, f2)
	})

	t.Run("double free panics", func(t *testing.T) {
		a := mem.NewFrameAllocator(logr.Discard(), 2)
		f, _ := a.Allocate()
		a.Deallocate(f)
		assert.Panics(t, func() { a.Deallocate(f) })
	})

	t.Run("allocate contiguous requires adjacency", func(t *testing.T) {
		a := mem.NewFrameAllocator(logr.Discard(), 8)
		run, ok := a.AllocateContiguous(3)
		require.True(t, ok)
		require.Len(t, run, 3)
		for i := 1; i < len(run); i++ {
			assert.Equal(t, run[i-1]+1, run[i])
		}
	})

	t.Run("bytes returns a page-sized window into the arena", func(t *testing.T) {
		a := mem.NewFrameAllocator(logr.Discard(), 4)
		f, ok := a.Allocate()
		require.True(t, ok)
		buf := a.Bytes(f)
		assert.Len(t, buf, mem.PageSize)
		buf[0] = 0xAB
		assert.Equal(t, byte(0xAB), a.Bytes(f)[0])
	})
}
