// Package cleanhttp provides the HTTP client used for package downloads.
package cleanhttp

import (
	"net"
	"net/http"
	"time"
)

const UserAgent = "mctl (+https://lab47.dev/mctl)"

func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

type userAgent struct {
	next http.RoundTripper
}

func (u *userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}

	return u.next.RoundTrip(req)
}

// NewClient returns a client that does not share state with
// http.DefaultClient and identifies itself as mctl.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &userAgent{next: NewTransport()},
	}
}

var DefaultClient = NewClient()

func Do(req *http.Request) (resp *http.Response, err error) {
	return DefaultClient.Do(req)
}
