package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/warrenmq/warren-go/exchange"
)

// connectionSource is the slice of the connection manager the checker needs.
type connectionSource interface {
	Name() string
	IsConnected() bool
}

// ConnectionChecker reports whether the broker connection is live.
type ConnectionChecker struct {
	conn connectionSource
}

// NewConnectionChecker creates a checker for the given connection manager.
func NewConnectionChecker(conn connectionSource) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return fmt.Sprintf("connection_%s", c.conn.Name())
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"connection": c.conn.Name()},
	}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connection is live"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// ExchangeChecker probes an exchange machine through its Check operation and
// maps the lifecycle state onto a health status. Transient states (anything
// between ready and failed) count as degraded rather than unhealthy, since
// the machine recovers from them on its own.
type ExchangeChecker struct {
	machine *exchange.Machine
	timeout time.Duration
}

// NewExchangeChecker creates a checker for the given machine. The timeout
// bounds the readiness probe so a reconnecting exchange does not stall the
// whole health report.
func NewExchangeChecker(machine *exchange.Machine, timeout time.Duration) *ExchangeChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ExchangeChecker{machine: machine, timeout: timeout}
}

func (c *ExchangeChecker) Name() string {
	return fmt.Sprintf("exchange_%s", c.machine.Name())
}

func (c *ExchangeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.machine.Check(probeCtx)

	state := c.machine.State()
	result.Details["state"] = state.String()
	result.Details["unconfirmed"] = c.machine.Unconfirmed()

	switch {
	case err == nil && state == exchange.StateReady:
		result.Status = StatusHealthy
		result.Message = "exchange is ready"
	case state == exchange.StateFailed:
		result.Status = StatusUnhealthy
		result.Message = "exchange definition failed"
		result.Error = err.Error()
	case state == exchange.StateDestroyed:
		result.Status = StatusUnhealthy
		result.Message = "exchange is destroyed"
	default:
		// Initializing, reconnecting or reconnected: recovering on its own.
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("exchange is %s", state)
		if err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}
