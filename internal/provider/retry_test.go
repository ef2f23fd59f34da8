package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedCompleter returns canned results in order, then repeats the last.
type scriptedCompleter struct {
	results []result
	calls   int
}

type result struct {
	comp *Completion
	err  error
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *Request) (*Completion, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	r := s.results[i]
	return r.comp, r.err
}

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inner := &scriptedCompleter{results: []result{
		{err: &Error{Message: "upstream 503", Status: 503, Transient: true}},
		{err: &Error{Message: "upstream 503", Status: 503, Transient: true}},
		{comp: &Completion{Content: "hello"}},
	}}

	c := WithRetry(inner, fastRetryConfig(4), nil)
	comp, err := c.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != "hello" {
		t.Errorf("Content = %q, want hello", comp.Content)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	inner := &scriptedCompleter{results: []result{
		{err: &Error{Message: "timeout", Transient: true}},
	}}

	c := WithRetry(inner, fastRetryConfig(3), nil)
	_, err := c.Complete(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error after budget exhausted")
	}

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &scriptedCompleter{results: []result{
		{err: &Error{Message: "invalid api key", Status: 401}},
	}}

	c := WithRetry(inner, fastRetryConfig(4), nil)
	_, err := c.Complete(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent failure)", inner.calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	inner := &scriptedCompleter{results: []result{
		{err: &Error{Message: "timeout", Transient: true}},
	}}

	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Hour, // would block without cancellation
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}
	c := WithRetry(inner, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Complete(ctx, &Request{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(&Error{Transient: false}) {
		t.Error("permanent error reported transient")
	}
	if !IsTransient(&Error{Transient: true}) {
		t.Error("transient error not recognized")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error reported transient")
	}
}
