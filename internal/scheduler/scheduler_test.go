package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 30 * time.Second, AlignToInterval: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)

	if got := s.nextTick(now); !got.Equal(time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 不正确: %s", got)
	}
	onBoundary := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(30 * time.Second)) {
		t.Fatalf("边界上应推进一个周期: %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐时应为 now+interval: %s", got)
	}
}

func TestRunImmediatelyAndStop(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			calls.Add(1)
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler 未及时退出")
	}
	if calls.Load() != 1 {
		t.Fatalf("启动时应执行一次, 实际 %d", calls.Load())
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("interval 为 0 时应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
