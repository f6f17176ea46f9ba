package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// Default timing used by lifecycle tests. Short enough to keep the suite fast,
// long enough that scheduling jitter does not flip assertions.
const (
	ShortDelay   = 50 * time.Millisecond
	EventTimeout = 2 * time.Second
	PollInterval = 5 * time.Millisecond
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}
