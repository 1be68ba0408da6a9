package environment

import (
	"net/http"
	"net/url"
)

// ProxyConfig holds the optional proxy configuration. HTTP and HTTPS
// requests are routed through their respective proxy URLs; a lone HTTP
// value covers both schemes.
type ProxyConfig struct {
	HTTP  string
	HTTPS string
}

// Transport builds an *http.Transport honoring the configured proxy URLs,
// falling back to http.ProxyFromEnvironment when both are empty.
func (p ProxyConfig) Transport() (*http.Transport, error) {
	if p.HTTP == "" && p.HTTPS == "" {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}, nil
	}
	return &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			raw := p.HTTP
			if req.URL.Scheme == "https" && p.HTTPS != "" {
				raw = p.HTTPS
			}
			if raw == "" {
				return nil, nil
			}
			return url.Parse(raw)
		},
	}, nil
}
