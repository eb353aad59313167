package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBackend = errors.New("backend unavailable")

func newTestBreaker(cfg *Config) CircuitBreaker {
	return NewCircuitBreaker(cfg, zap.NewNop())
}

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 60*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 3, cfg.HalfOpenMaxCalls)
	assert.Nil(t, cfg.OnStateChange)
}

// ---------------------------------------------------------------------------
// NewCircuitBreaker
// ---------------------------------------------------------------------------

func TestNewCircuitBreaker(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *Config
		wantState   State
		wantFailure int
		wantSuccess int
	}{
		{
			name:        "nil config uses defaults",
			cfg:         nil,
			wantState:   StateClosed,
			wantFailure: 5,
			wantSuccess: 2,
		},
		{
			name: "zero values corrected to defaults",
			cfg: &Config{
				FailureThreshold: 0,
				SuccessThreshold: 0,
			},
			wantState:   StateClosed,
			wantFailure: 5,
			wantSuccess: 2,
		},
		{
			name: "custom values preserved",
			cfg: &Config{
				FailureThreshold: 3,
				SuccessThreshold: 1,
				Timeout:          5 * time.Second,
				ResetTimeout:     10 * time.Second,
				HalfOpenMaxCalls: 1,
			},
			wantState:   StateClosed,
			wantFailure: 3,
			wantSuccess: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := newTestBreaker(tt.cfg)
			require.NotNil(t, cb)
			assert.Equal(t, tt.wantState, cb.State())
		})
	}
}

func TestNewCircuitBreaker_HalfOpenWindowCoversSuccessThreshold(t *testing.T) {
	cfg := &Config{
		FailureThreshold: 2,
		SuccessThreshold: 4,
		HalfOpenMaxCalls: 1, // 小于 SuccessThreshold，应被提升
	}
	newTestBreaker(cfg)
	assert.Equal(t, 4, cfg.HalfOpenMaxCalls)
}

// ---------------------------------------------------------------------------
// 状态转换
// ---------------------------------------------------------------------------

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	// 阈值前保持关闭
	for i := 0; i < 2; i++ {
		err := cb.Call(ctx, func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, StateClosed, cb.State())
	}

	// 恰好达到阈值后打开
	err := cb.Call(ctx, func() error { return errBackend })
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	err := cb.Call(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		ResetTimeout:     30 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(50 * time.Millisecond)

	// 第一次成功：进入半开但尚未恢复
	require.NoError(t, cb.Call(ctx, func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	// 第二次成功：达到 SuccessThreshold，恢复关闭
	require.NoError(t, cb.Call(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		ResetTimeout:     30 * time.Millisecond,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cb.Call(ctx, func() error { return nil }))
	require.Equal(t, StateHalfOpen, cb.State())

	// 半开状态下单次失败立即重新打开
	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_HalfOpenLimitsCalls(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 3,
		Timeout:          time.Second,
		ResetTimeout:     10 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	time.Sleep(20 * time.Millisecond)

	block := make(chan struct{})
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- cb.Call(ctx, func() error {
				<-block
				return nil
			})
		}()
	}
	// 等待所有调用进入 beforeCall
	time.Sleep(50 * time.Millisecond)
	close(block)

	rejected := 0
	for i := 0; i < 4; i++ {
		if errors.Is(<-done, ErrTooManyCallsInHalfOpen) {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

// ---------------------------------------------------------------------------
// 成功与可忽略错误
// ---------------------------------------------------------------------------

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	require.NoError(t, cb.Call(ctx, func() error { return nil }))
	require.Error(t, cb.Call(ctx, func() error { return errBackend }))

	// 失败从未连续到阈值，保持关闭
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Counts().FailureCount)
}

func TestBreaker_IgnorableErrorsDoNotTrip(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
		IsIgnorable:      func(err error) bool { return true },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Call(ctx, func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	err := cb.Call(ctx, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// CallWithResult / Reset / Counts
// ---------------------------------------------------------------------------

func TestBreaker_CallWithResult(t *testing.T) {
	cb := newTestBreaker(nil)

	result, err := cb.CallWithResult(context.Background(), func() (any, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestCallWithResultTyped(t *testing.T) {
	cb := newTestBreaker(nil)

	val, err := CallWithResultTyped(cb, context.Background(), func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)

	_, err = CallWithResultTyped(cb, context.Background(), func() (int, error) {
		return 0, errBackend
	})
	assert.ErrorIs(t, err, errBackend)
}

func TestBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Counts().FailureCount)

	require.NoError(t, cb.Call(ctx, func() error { return nil }))
}

func TestBreaker_CountsSnapshot(t *testing.T) {
	cb := newTestBreaker(&Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, func() error { return errBackend }))
	require.Error(t, cb.Call(ctx, func() error { return errBackend }))

	counts := cb.Counts()
	assert.Equal(t, StateClosed, counts.State)
	assert.Equal(t, 2, counts.FailureCount)
	assert.False(t, counts.LastFailureTime.IsZero())
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	changes := make(chan [2]State, 4)
	cb := newTestBreaker(&Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to State) {
			changes <- [2]State{from, to}
		},
	})

	require.Error(t, cb.Call(context.Background(), func() error { return errBackend }))

	select {
	case change := <-changes:
		assert.Equal(t, StateClosed, change[0])
		assert.Equal(t, StateOpen, change[1])
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}
