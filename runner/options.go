package runner

import "time"

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max < 0 {
			max = 0
		}
		h.maxRetries = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithName labels log lines and errors.
func WithName(name string) Option {
	return func(h *Handler) {
		h.name = name
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		if s == nil {
			s = NoDelayStrategy{}
		}
		h.retryStrategy = s
	}
}

// WithRetryIf limits retries to errors accepted by fn.
func WithRetryIf(fn func(error) bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.retryIf = fn
		}
	}
}
