// Package health tracks the health of the bus connection and of each
// subscription, and serves the aggregate over HTTP.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/semstreams-ros/history"
)

// Health levels
const (
	LevelHealthy   = "healthy"
	LevelDegraded  = "degraded"
	LevelUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s,]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, optionally with the statuses it
// aggregates.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == LevelHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == LevelDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == LevelUnhealthy }

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from an
// error before it is exposed on the health endpoint.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}
	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = unixPathRegex.ReplaceAllStringFunc(sanitized, func(p string) string {
		// ROS topic names look like paths and are safe to show.
		if strings.Count(p, "/") == 1 {
			return p
		}
		return "[PATH]"
	})
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	return credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
}

// FromError reports component as unhealthy with a sanitized message, or healthy
// when err is nil.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "OK")
	}
	return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
}

// FromReplayState maps the replay state of a subscription. A subscription that
// is still recovering history is degraded; one whose replay gave up is degraded
// too, since live samples keep flowing.
func FromReplayState(topic string, state history.State) Status {
	switch state {
	case history.StateLive:
		return NewHealthy(topic, "live")
	case history.StateDiscovering, history.StateReplaying:
		return NewDegraded(topic, "recovering history: "+state.String())
	case history.StateIdle:
		return NewDegraded(topic, "history replay incomplete")
	default:
		return NewUnhealthy(topic, "unknown replay state")
	}
}
