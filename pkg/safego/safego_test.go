package safego

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/logger"
)

func TestCall(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	log := logger.NewZapAdapterFromLogger(zap.New(core))

	ran := false
	assert.Nil(t, Call(context.Background(), log, "ok", func() { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, 0, logs.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, "boom", Call(ctx, log, "worker", func() { panic("boom") }))
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "Panic recovered in worker", entries[0].Message)
		assert.Equal(t, "boom", entries[0].ContextMap()["panic_info"])
	}
}

func TestExecuteRecovers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	log := logger.NewZapAdapterFromLogger(zap.New(core))

	Execute(context.Background(), log, "background", func() { panic("late") })
	assert.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 5*time.Millisecond)
}
