package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// originPolicy decides which browser origins may open a game socket.
// An allowed origin matches exactly or by host, ignoring scheme and port.
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		exact:    make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch a {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		p.exact[a] = struct{}{}
		if h := hostOf(a); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

// check validates the Origin header value. Requests without one are native clients.
func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if p.any {
		return nil
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	if h := hostOf(origin); h != "" {
		if _, ok := p.hosts[h]; ok {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns feeds websocket.AcceptOptions.OriginPatterns so the library's own
// cross-origin check admits exactly the hosts check admits.
func (p originPolicy) acceptPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// hostOf returns the lowercased host of an origin or host[:port] string.
func hostOf(s string) string {
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.TrimSpace(s))
}
