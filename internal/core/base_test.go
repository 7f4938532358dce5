package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceBaseReadyLifecycle(t *testing.T) {
	var b ServiceBase
	b.SetName("flywheel-scheduler")

	assert.False(t, b.IsReady())
	assert.Error(t, b.Ready(context.Background()))

	b.MarkStarted()
	assert.True(t, b.IsReady())
	assert.NoError(t, b.Ready(context.Background()))

	b.MarkFailed(errors.New("boom"))
	assert.False(t, b.IsReady())
	err := b.Ready(context.Background())
	assert.ErrorContains(t, err, "flywheel-scheduler")
	assert.ErrorContains(t, err, "boom")

	b.MarkStopped()
	assert.Equal(t, StateStopped, b.State())
}

func TestServiceBaseMetadata(t *testing.T) {
	var b ServiceBase
	b.SetMetadata("tokenId", "tok-1")
	b.SetMetadata("algorithm", "turbo")

	got := b.AllMetadata()
	assert.Equal(t, "tok-1", got["tokenId"])
	assert.Equal(t, "turbo", got["algorithm"])

	got["tokenId"] = "mutated"
	assert.Equal(t, "tok-1", b.AllMetadata()["tokenId"])
}
