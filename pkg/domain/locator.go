package domain

import (
	"net/url"
	"strings"
)

const viewPath = "/view/"

// Locator is the shareable link to a paste. Key travels only in the URL
// fragment, which browsers never send to the server.
type Locator struct {
	BaseURL string
	ID      string
	Key     string
}

func (l Locator) String() string {
	return strings.TrimRight(l.BaseURL, "/") + viewPath + l.ID + "#" + url.PathEscape(l.Key)
}

func BuildLocator(baseURL, id, key string) string {
	return Locator{BaseURL: baseURL, ID: id, Key: key}.String()
}

// ParseLocator splits a link produced by BuildLocator. Any path prefix in
// front of /view/ is kept as part of the base URL.
func ParseLocator(s string) (Locator, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Locator{}, ErrInvalidLocator
	}
	i := strings.LastIndex(u.Path, viewPath)
	if i < 0 {
		return Locator{}, ErrInvalidLocator
	}
	id := strings.TrimSuffix(u.Path[i+len(viewPath):], "/")
	if id == "" || strings.Contains(id, "/") {
		return Locator{}, ErrInvalidLocator
	}
	if u.Fragment == "" {
		return Locator{}, ErrInvalidLocator
	}
	base := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path[:i]}
	return Locator{BaseURL: base.String(), ID: id, Key: u.Fragment}, nil
}
