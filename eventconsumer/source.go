package eventconsumer

import (
	"fmt"
	"net/url"
)

// LoomSource is the status event stream of one loom server.
type LoomSource struct {
	Host string
}

func NewLoomSource(host string) LoomSource {
	return LoomSource{Host: host}
}

func (s LoomSource) Key() string {
	return s.Host
}

func (s LoomSource) Url(cursor int64, dev bool) (*url.URL, error) {
	scheme := "wss"
	if dev {
		scheme = "ws"
	}

	u, err := url.Parse(scheme + "://" + s.Host + "/events")
	if err != nil {
		return nil, err
	}

	if cursor != 0 {
		query := url.Values{}
		query.Add("cursor", fmt.Sprintf("%d", cursor))
		u.RawQuery = query.Encode()
	}
	return u, nil
}
