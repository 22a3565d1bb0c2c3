// Package transport builds the HTTP client every outbound request shares.
// The client is bound to the agent's identity: a header carries the machine
// name on each request and a cookie jar preserves whatever session state the
// server hands back between cycles.
package transport

import (
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MachineHeader carries the agent identity on every request.
const MachineHeader = "X-Courier-Machine"

const defaultTimeout = 30 * time.Second

// Options configures the shared HTTP client.
type Options struct {
	// MachineName is stamped on every request as the identity header.
	MachineName string

	// UserAgent overrides the default user agent string when non-empty.
	UserAgent string

	// Timeout bounds each request end to end. Zero selects the default.
	Timeout time.Duration

	// TrustAllCertificates disables server certificate verification. Off by
	// default; only for deployments that pin trust elsewhere.
	TrustAllCertificates bool

	// EnableTracing wraps the transport with OpenTelemetry instrumentation.
	EnableTracing bool
}

// New returns an HTTP client configured per opts.
func New(opts Options) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TrustAllCertificates {
		if base.TLSClientConfig == nil {
			base.TLSClientConfig = &tls.Config{}
		}
		base.TLSClientConfig.InsecureSkipVerify = true
	}

	var rt http.RoundTripper = &identityRoundTripper{
		next:      base,
		machine:   opts.MachineName,
		userAgent: opts.UserAgent,
	}
	if opts.EnableTracing {
		rt = otelhttp.NewTransport(rt)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Cookie jar errors only occur with a non-nil PublicSuffixList.
	jar, _ := cookiejar.New(nil)

	return &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   timeout,
	}
}

type identityRoundTripper struct {
	next      http.RoundTripper
	machine   string
	userAgent string
}

func (t *identityRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.machine != "" {
		clone.Header.Set(MachineHeader, t.machine)
	}
	if t.userAgent != "" {
		clone.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(clone)
}
