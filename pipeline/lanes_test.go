package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestLanesSerializePerKey(t *testing.T) {
	l := newLanes(zaptest.NewLogger(t).Sugar())
	var mu sync.Mutex
	got := []int{}
	for i := 0; i < 50; i++ {
		i := i
		l.Go("a", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	l.Wait()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Len(t, got, 50)
}

func TestLanesRunKeysConcurrently(t *testing.T) {
	l := newLanes(zaptest.NewLogger(t).Sugar())
	release := make(chan struct{})
	l.Go("slow", func() { <-release })

	done := int32(0)
	l.Sync("fast", func() { atomic.StoreInt32(&done, 1) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))

	close(release)
	l.Wait()
}

func TestLanePanicDoesNotStopLane(t *testing.T) {
	l := newLanes(zaptest.NewLogger(t).Sugar())
	l.Go("a", func() { panic("boom") })
	ran := false
	l.Sync("a", func() { ran = true })
	assert.True(t, ran)

	time.Sleep(time.Millisecond)
	l.Wait()
}
