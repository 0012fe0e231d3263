package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPipelineErrorPassesThrough(t *testing.T) {
	err := NewPipelineError(CategoryPermanent, "Personality not found.", false, errors.New("missing"))
	info := Classify(fmt.Errorf("stage failed: %w", err))
	assert.Equal(t, CategoryPermanent, info.Category)
	assert.Equal(t, "Personality not found.", info.UserMessage)
	assert.False(t, info.ShouldRetry)
	assert.NotEmpty(t, info.ReferenceID)
}

func TestClassifyTransient(t *testing.T) {
	for _, err := range []error{
		context.DeadlineExceeded,
		errors.New("upstream returned 503 service unavailable"),
		errors.New("rate limit exceeded, retry later"),
		errors.New("dial tcp: connection refused"),
	} {
		info := Classify(err)
		assert.Equal(t, CategoryTransient, info.Category, "error: %v", err)
		assert.True(t, info.ShouldRetry)
	}
}

func TestClassifyAuth(t *testing.T) {
	info := Classify(errors.New("401 unauthorized: invalid api key"))
	assert.Equal(t, CategoryAPI, info.Category)
	assert.False(t, info.ShouldRetry)
}

func TestClassifyUnknownIsSoft(t *testing.T) {
	info := Classify(errors.New("something odd happened"))
	assert.Equal(t, CategorySoft, info.Category)
	assert.False(t, info.ShouldRetry)
	assert.NotEmpty(t, info.UserMessage)
}
