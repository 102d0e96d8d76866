package transport

import (
	"errors"
	"strings"
	"sync"
)

// ServerPool holds the registry base URLs of a cluster.
//
// Requests start at the preferred server and walk the rest in order. A server that fails
// with a transport error loses its preferred slot to the next one, so a dead registry node
// costs one failed attempt instead of one per request.
type ServerPool struct {
	mu        sync.Mutex
	urls      []string
	preferred int
}

// NewServerPool normalizes the URLs to end with a slash.
func NewServerPool(urls []string) (*ServerPool, error) {
	p := &ServerPool{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		p.urls = append(p.urls, u)
	}
	if len(p.urls) == 0 {
		return nil, errors.New("transport: no registry service URL configured")
	}
	return p, nil
}

// Order returns all servers, preferred first.
func (p *ServerPool) Order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.urls))
	for i := range p.urls {
		out = append(out, p.urls[(p.preferred+i)%len(p.urls)])
	}
	return out
}

// MarkFailed moves the preferred slot past url if it currently holds it.
func (p *ServerPool) MarkFailed(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.urls[p.preferred] == url {
		p.preferred = (p.preferred + 1) % len(p.urls)
	}
}

// Preferred returns the server tried first.
func (p *ServerPool) Preferred() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urls[p.preferred]
}

func (p *ServerPool) Len() int {
	return len(p.urls)
}
