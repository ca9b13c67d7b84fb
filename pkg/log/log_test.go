package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {

	var buf bytes.Buffer
	logger := New(Config{
		Level:  LevelWarn,
		Writer: &buf,
	})

	logger.Debug("quiet debug")
	logger.Info("quiet info")
	logger.Warn("loud warn")
	logger.Error("loud error")

	out := buf.String()
	assert.NotContains(t, out, "quiet debug")
	assert.NotContains(t, out, "quiet info")
	assert.Contains(t, out, "loud warn")
	assert.Contains(t, out, "loud error")
}

func TestDefaultLevelDropsDebug(t *testing.T) {

	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	logger.Debug("hidden")
	logger.Info("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestConcurrentWritesProduceWholeLines(t *testing.T) {

	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("message body")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 8*50)
	for _, line := range lines {
		assert.Contains(t, line, "message body")
	}
}
