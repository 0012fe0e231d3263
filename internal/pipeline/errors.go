package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/models"
)

// Error categories of the pipeline taxonomy. Programmer errors re-throw to
// the queue; everything else converts to a soft-failure result.
const (
	CategoryProgrammer    = "programmer_error"
	CategoryTransient     = "transient"
	CategoryAPI           = "api_error"
	CategoryEmptyResponse = "empty_response"
	CategorySoft          = "soft_failure"
	CategoryPermanent     = "permanent"
)

// PipelineError carries an explicit category through the stage wrapper.
type PipelineError struct {
	Category    string
	UserMessage string
	ShouldRetry bool
	Err         error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with an explicit category.
func NewPipelineError(category, userMessage string, shouldRetry bool, err error) *PipelineError {
	return &PipelineError{
		Category:    category,
		UserMessage: userMessage,
		ShouldRetry: shouldRetry,
		Err:         err,
	}
}

// Classify maps an error to the user-presentable ErrorInfo. Explicitly
// categorized errors pass through; the rest are classified by shape.
func Classify(err error) *models.ErrorInfo {
	info := &models.ErrorInfo{
		Type:        fmt.Sprintf("%T", err),
		ReferenceID: common.NewReferenceID(),
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		info.Category = pe.Category
		info.UserMessage = pe.UserMessage
		info.ShouldRetry = pe.ShouldRetry
		if info.UserMessage == "" {
			info.UserMessage = defaultUserMessage(pe.Category)
		}
		return info
	}

	switch {
	case isTransient(err):
		info.Category = CategoryTransient
		info.ShouldRetry = true
	case isAuthError(err):
		info.Category = CategoryAPI
		info.ShouldRetry = false
	default:
		info.Category = CategorySoft
		info.ShouldRetry = false
	}
	info.UserMessage = defaultUserMessage(info.Category)
	return info
}

func defaultUserMessage(category string) string {
	switch category {
	case CategoryTransient:
		return "The AI service is temporarily unavailable. Please try again in a moment."
	case CategoryAPI:
		return "The AI service rejected the request. Check your API key or try again later."
	case CategoryEmptyResponse:
		return "The AI produced no visible response. Please try rephrasing your message."
	case CategoryPermanent:
		return "This request cannot be processed."
	default:
		return "Something went wrong while generating a response."
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "500", "502", "503", "504",
		"overloaded", "timeout", "connection refused", "connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "invalid api key", "authentication"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
