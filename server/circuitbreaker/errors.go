package circuitbreaker

import "errors"

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
