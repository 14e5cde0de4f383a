package core

import (
	"fmt"
	"net/url"
)

// ConnectionParams identify a single database server known to a session.
type ConnectionParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Expand returns a copy of the original parameters with template
// expressions ({{ env `X` }}, {{ exec `cmd` }}) evaluated.
func (p *ConnectionParams) Expand() *ConnectionParams {
	return &ConnectionParams{
		ID:   expandOrDefault(p.ID),
		Name: expandOrDefault(p.Name),
		Type: expandOrDefault(p.Type),
		URL:  expandOrDefault(p.URL),
	}
}

// Clone returns a shallow copy of the parameters.
func (p *ConnectionParams) Clone() *ConnectionParams {
	c := *p
	return &c
}

// HasPassword reports whether the URL carries a password in its user info.
func (p *ConnectionParams) HasPassword() bool {
	u, err := url.Parse(p.URL)
	if err != nil || u.User == nil {
		return false
	}
	_, ok := u.User.Password()
	return ok
}

// WithPassword returns a copy with the password placed in the URL user info.
func (p *ConnectionParams) WithPassword(password string) (*ConnectionParams, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %w", err)
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, password)

	c := p.Clone()
	c.URL = u.String()
	return c, nil
}

// WithHost returns a copy with the URL host replaced (used by tunnels).
func (p *ConnectionParams) WithHost(hostport string) (*ConnectionParams, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %w", err)
	}
	u.Host = hostport

	c := p.Clone()
	c.URL = u.String()
	return c, nil
}

// Host returns host:port of the URL.
func (p *ConnectionParams) Host() (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("url.Parse: %w", err)
	}
	return u.Host, nil
}
