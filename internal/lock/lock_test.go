package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalSectionMutex(t *testing.T) {
	m := NewCriticalSectionMutex(0)
	for i := 0; i < 100; i++ {
		m.Lock(func(v *int) { *v++ })
	}
	m.Lock(func(v *int) { assert.Equal(t, 100, *v) })
}

func TestRwLockReadersConcurrent(t *testing.T) {
	l := NewRwLock(42)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_ = l.Read(ctx, func(v *int) {
			<-done
		})
	}()

	// A second reader must be able to proceed while the first is blocked.
	readDone := make(chan struct{})
	go func() {
		_ = l.Read(ctx, func(v *int) {})
		close(readDone)
	}()

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("second reader did not run concurrently")
	}
	close(done)
}

func TestRwLockWriteVisibleToLaterRead(t *testing.T) {
	l := NewRwLock(0)
	ctx := context.Background()

	err := l.Write(ctx, func(v *int) { *v = 7 })
	require.NoError(t, err)

	err = l.Read(ctx, func(v *int) { assert.Equal(t, 7, *v) })
	require.NoError(t, err)
}
