package engine

import "time"

// Config holds orchestrator limits.
type Config struct {
	// MaxParallelNodes caps concurrent node dispatches within one
	// execution; further ready nodes wait in FIFO order.
	MaxParallelNodes int `yaml:"max_parallel_nodes" json:"max_parallel_nodes"`
	// ExecutionDeadline is the wall-clock budget of one execution.
	ExecutionDeadline time.Duration `yaml:"execution_deadline" json:"execution_deadline"`
	// TenantMaxConcurrent caps parallel executions per tenant.
	TenantMaxConcurrent int64 `yaml:"tenant_max_concurrent" json:"tenant_max_concurrent"`
	// RetryBaseDelay is the first retry backoff; doubles per attempt
	// with full jitter applied.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	// RetryMaxDelay caps the retry backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
}

// DefaultConfig returns the default orchestrator limits.
func DefaultConfig() Config {
	return Config{
		MaxParallelNodes:    8,
		ExecutionDeadline:   300 * time.Second,
		TenantMaxConcurrent: 4,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxParallelNodes <= 0 {
		c.MaxParallelNodes = def.MaxParallelNodes
	}
	if c.ExecutionDeadline <= 0 {
		c.ExecutionDeadline = def.ExecutionDeadline
	}
	if c.TenantMaxConcurrent <= 0 {
		c.TenantMaxConcurrent = def.TenantMaxConcurrent
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	return c
}
