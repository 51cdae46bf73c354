package scanloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_StopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	var runs atomic.Int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Run(stopCh, time.Millisecond, 0, func() { runs.Add(1) })
	}()

	time.Sleep(30 * time.Millisecond)
	close(stopCh)
	wg.Wait()

	if runs.Load() == 0 {
		t.Fatal("fn never ran before stop")
	}
	final := runs.Load()
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != final {
		t.Fatal("fn ran after stop")
	}
}

func TestRun_NoImmediateFire(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	var runs atomic.Int32

	go Run(stopCh, time.Hour, 0, func() { runs.Add(1) })

	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("fn ran before the first interval elapsed")
	}
}

func TestSleep_Interruptible(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan bool, 1)
	go func() { done <- Sleep(stopCh, time.Hour) }()

	close(stopCh)
	select {
	case ok := <-done:
		if ok {
			t.Fatal("interrupted Sleep should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after stop")
	}
}

func TestSleep_ZeroDuration(t *testing.T) {
	stopCh := make(chan struct{})
	if !Sleep(stopCh, 0) {
		t.Fatal("zero-duration Sleep with open stopCh should report true")
	}
	close(stopCh)
	if Sleep(stopCh, 0) {
		t.Fatal("zero-duration Sleep with closed stopCh should report false")
	}
}
