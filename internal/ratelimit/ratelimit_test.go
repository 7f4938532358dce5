package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesDefaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, 60, l.PerMinute())
}

func TestAllowConsumesBurst(t *testing.T) {
	l := New(Config{PerMinute: 60, Burst: 2})
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestReconfigureChangesBudget(t *testing.T) {
	l := New(Config{PerMinute: 60, Burst: 1})
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	l.Reconfigure(Config{PerMinute: 120, Burst: 3})
	assert.Equal(t, 120, l.PerMinute())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New(Config{PerMinute: 1, Burst: 1})
	assert.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.Error(t, err)
}
