package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/c360/stepstreams/natsclient"
	"github.com/c360/stepstreams/stream"
)

// Pre-compiled regexes for error message sanitization
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health state of a component or of the whole engine
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains activity counters attached to a status
type Metrics struct {
	Processed    uint64    `json:"processed"`
	Failed       uint64    `json:"failed"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitizeErrorMessage strips URLs, paths, addresses, ports and credentials
// from an error message before it is exposed on /health.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs before paths, they contain paths
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromConsumer converts a stream consumer status. A stopped consumer is
// unhealthy; a running consumer that has recorded an error is degraded.
func FromConsumer(name string, cs stream.ConsumerStatus) Status {
	var status Status
	switch {
	case !cs.Running:
		status = NewUnhealthy(name, fmt.Sprintf("consumer %s/%s is not running", cs.Stream, cs.Group))
		if cs.LastError != "" {
			status.Message += ": " + sanitizeErrorMessage(cs.LastError)
		}
	case cs.LastError != "":
		status = NewDegraded(name, sanitizeErrorMessage(cs.LastError))
	default:
		status = NewHealthy(name, fmt.Sprintf("consuming %s as %s", cs.Stream, cs.Group))
	}

	return status.WithMetrics(&Metrics{
		Processed:    cs.Processed,
		Failed:       cs.Failed,
		LastActivity: cs.LastSeen,
	})
}

// FromNATS converts a NATS client status
func FromNATS(name string, ns *natsclient.Status) Status {
	if ns == nil {
		return NewUnhealthy(name, "no NATS client")
	}

	switch ns.Status {
	case natsclient.StatusConnected:
		return NewHealthy(name, fmt.Sprintf("connected, rtt %s", ns.RTT))
	case natsclient.StatusConnecting, natsclient.StatusReconnecting:
		return NewDegraded(name, ns.Status.String())
	default:
		return NewUnhealthy(name, fmt.Sprintf("%s after %d failures", ns.Status, ns.FailureCount))
	}
}
