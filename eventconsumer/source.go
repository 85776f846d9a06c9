package eventconsumer

import (
	"fmt"
	"net/url"
	"strings"
)

// GateSource is the /events stream of a gate server.
type GateSource struct {
	// host[:port], or a full http(s)/ws(s) base url
	Host string
}

func NewGateSource(host string) GateSource {
	return GateSource{Host: strings.TrimSuffix(host, "/")}
}

func (s GateSource) Key() string {
	return s.Host
}

func (s GateSource) Url(cursor int64, dev bool) (*url.URL, error) {
	scheme := "wss"
	if dev {
		scheme = "ws"
	}

	raw := s.Host
	if !strings.Contains(raw, "://") {
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"

	if cursor != 0 {
		query := url.Values{}
		query.Add("cursor", fmt.Sprintf("%d", cursor))
		u.RawQuery = query.Encode()
	}
	return u, nil
}
