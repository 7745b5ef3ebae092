package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, errorNetwork, classify(errors.New("connection refused")))
	assert.Equal(t, errorNetwork, classify(errors.New("request timeout exceeded")))
	assert.Equal(t, errorNetwork, classify(context.DeadlineExceeded))
	assert.Equal(t, errorToolProtocol, classify(fmt.Errorf("bad tool payload: %w", ErrToolProtocol)))
	assert.Equal(t, errorUnknown, classify(errors.New("segmentation fault")))
}

func TestRetryBudget(t *testing.T) {
	assert.Equal(t, 3, retryBudget(errorRateLimit))
	assert.Equal(t, 3, retryBudget(errorNetwork))
	assert.Equal(t, 2, retryBudget(errorToolProtocol))
	assert.Equal(t, 0, retryBudget(errorUnknown))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	first := backoffFor(errorNetwork, 1)
	second := backoffFor(errorNetwork, 2)
	assert.Greater(t, second, first)

	// Rate limits back off harder.
	assert.Greater(t, backoffFor(errorRateLimit, 1), backoffFor(errorNetwork, 1))

	assert.LessOrEqual(t, backoffFor(errorNetwork, 20), 10*time.Minute)
}

func TestRetryAttemptParsing(t *testing.T) {
	assert.Equal(t, 0, retryAttempt(nil))
	assert.Equal(t, 0, retryAttempt(map[string]interface{}{}))
	assert.Equal(t, 2, retryAttempt(map[string]interface{}{retryAttemptKey: 2}))
	// JSON round trips integers as float64.
	assert.Equal(t, 2, retryAttempt(map[string]interface{}{retryAttemptKey: 2.0}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))
}
