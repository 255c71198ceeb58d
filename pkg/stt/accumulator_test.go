package stt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorDebouncesFragments(t *testing.T) {
	sink := &turnRecorder{}
	acc := NewAccumulator(80*time.Millisecond, sink, nil, quietEntry())

	acc.Append("یک")
	time.Sleep(40 * time.Millisecond)
	acc.Append(" چای")
	time.Sleep(40 * time.Millisecond)
	acc.Touch()
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, sink.Turns())

	require.Eventually(t, func() bool { return len(sink.Turns()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"یک چای"}, sink.Turns())
}

func TestAccumulatorTouchWithoutTextSchedulesNothing(t *testing.T) {
	sink := &turnRecorder{}
	acc := NewAccumulator(10*time.Millisecond, sink, nil, quietEntry())

	acc.Touch()
	acc.mu.Lock()
	assert.Nil(t, acc.timer)
	acc.mu.Unlock()
}

func TestAccumulatorFlushCancelsTimer(t *testing.T) {
	sink := &turnRecorder{}
	acc := NewAccumulator(50*time.Millisecond, sink, nil, quietEntry())

	acc.Append("hello")
	acc.Flush()
	acc.Flush()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, sink.Turns())
}

func TestAccumulatorAppliesCorrections(t *testing.T) {
	sink := &turnRecorder{}
	acc := NewAccumulator(time.Hour, sink, map[string]string{
		"نوشابه ی": "نوشابه",
		"پیتزای":   "پیتزا",
		"":         "ignored",
	}, quietEntry())

	acc.Append("دو نوشابه ی")
	acc.Flush()
	acc.Append("یک پیتزای")
	acc.Flush()

	assert.Equal(t, []string{"دو نوشابه", "یک پیتزا"}, sink.Turns())
}

func TestAccumulatorStopIgnoresLateText(t *testing.T) {
	sink := &turnRecorder{}
	acc := NewAccumulator(10*time.Millisecond, sink, nil, quietEntry())

	acc.Append("last words")
	acc.Stop()
	acc.Append("too late")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"last words"}, sink.Turns())
}

func TestAccumulatorConcurrentAppend(t *testing.T) {
	sink := &turnRecorder{}
	acc := NewAccumulator(30*time.Millisecond, sink, nil, quietEntry())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc.Append("x")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(sink.Turns()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, sink.Turns(), 1)
	assert.Len(t, sink.Turns()[0], 20)
}
