// retry.go - Retransmission and retry backoff policies.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides the backoff policies used for fragment
// retransmission timers and storage flush retries.
package retry

import (
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultJitter is the default jitter factor (0.0 to 1.0)
	DefaultJitter = 0.2
)

// Policy computes the timeout for a given attempt, attempt 0 being the
// first transmission.
type Policy interface {
	Next(attempt int) time.Duration
}

// Fixed is a Policy that always returns the same timeout.
type Fixed time.Duration

// Next implements Policy.
func (f Fixed) Next(int) time.Duration {
	return time.Duration(f)
}

// Exponential is a Policy doubling the timeout on every attempt, up to Max.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Next implements Policy.
func (e *Exponential) Next(attempt int) time.Duration {
	return Delay(e.Base, e.Max, e.Jitter, attempt)
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying, such as a dropped database connection or an i/o timeout.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
		"database is locked",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}
