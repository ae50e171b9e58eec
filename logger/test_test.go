package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger()
	assert.NotNil(t, logger)
	assert.Len(t, logger.Logs(), 0)
	assert.Nil(t, logger.metadata)
}

func TestTestLoggerMethods(t *testing.T) {
	logger := NewTestLogger()

	logger.Trace("Trace message", 1)
	logger.Debug("Debug message", 2)
	logger.Info("Info message", 3)
	logger.Warn("Warn message", 4)
	logger.Error("Error message", 5)

	logs := logger.Logs()
	assert.Len(t, logs, 5)
	assert.Equal(t, "TRACE", logs[0].Severity)
	assert.Equal(t, "Trace message", logs[0].Message)
	assert.Equal(t, []interface{}{1}, logs[0].Arguments)
	assert.Equal(t, "WARNING", logs[3].Severity)
	assert.Equal(t, "ERROR", logs[4].Severity)
	assert.Equal(t, 1, logger.Count("INFO"))
}

func TestTestLoggerDerivedShareRecord(t *testing.T) {
	logger := NewTestLogger()
	child := logger.With(map[string]interface{}{"key": "a"}).WithPrefix("[query]")
	child.Warn("fetch failed for %s: %v", "a", "boom")

	logs := logger.Logs()
	assert.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].Metadata["key"])
	assert.Equal(t, "[query] fetch failed for a: boom", logs[0].Formatted())
	assert.True(t, logger.Contains("fetch failed"))
}

func TestTestLoggerConcurrent(t *testing.T) {
	logger := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				logger.Debug("tick %d", j)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, logger.Count("DEBUG"))
}
