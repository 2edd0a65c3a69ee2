// Package probe answers two questions a node needs before it can
// build its own UNL: what WAN address the rest of the internet sees
// it as, and whether a given listen port is actually reachable from
// outside the local NAT.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Prober is the external collaborator the supervisor consults while
// bootstrapping. Any implementation satisfying this interface — HTTP,
// STUN, or a test stub — is usable.
type Prober interface {
	WANAddr(ctx context.Context) (net.IP, error)
	IsPortForwarded(ctx context.Context, port int, proto string) (bool, error)
}

// HTTPProber implements Prober against one cooperating echo endpoint
// speaking the action-query protocol:
//
//	GET <base>?action=get_wan_ip                          -> "A.B.C.D"
//	GET <base>?action=is_port_forwarded&port=P&proto=TCP  -> text containing "yes" or "no"
type HTTPProber struct {
	Client *http.Client
	Base   string
}

// NewHTTPProber builds an HTTPProber for base with sane timeouts. An
// empty base yields a prober whose every call fails with a
// configuration error, for deployments that pin wan_ip and
// force-forwarded instead of probing.
func NewHTTPProber(base string) *HTTPProber {
	return &HTTPProber{
		Client: &http.Client{Timeout: 5 * time.Second},
		Base:   base,
	}
}

func (p *HTTPProber) get(ctx context.Context, params url.Values) (string, error) {
	if p.Base == "" {
		return "", fmt.Errorf("probe: no probe endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Base+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("probe: build request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe: %s request: %w", params.Get("action"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe: %s request returned %s", params.Get("action"), resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("probe: read response: %w", err)
	}
	return string(body), nil
}

// WANAddr fetches the caller's public IPv4 address.
func (p *HTTPProber) WANAddr(ctx context.Context) (net.IP, error) {
	body, err := p.get(ctx, url.Values{"action": {"get_wan_ip"}})
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(strings.TrimSpace(body))
	if ip == nil {
		return nil, fmt.Errorf("probe: response %q is not an IP address", body)
	}
	return ip, nil
}

// IsPortForwarded asks the echo service to dial this caller back on
// port and report whether the connection succeeded.
func (p *HTTPProber) IsPortForwarded(ctx context.Context, port int, proto string) (bool, error) {
	body, err := p.get(ctx, url.Values{
		"action": {"is_port_forwarded"},
		"port":   {strconv.Itoa(port)},
		"proto":  {strings.ToUpper(proto)},
	})
	if err != nil {
		return false, err
	}

	switch {
	case strings.Contains(body, "yes"):
		return true, nil
	case strings.Contains(body, "no"):
		return false, nil
	default:
		return false, fmt.Errorf("probe: unrecognized port-check response %q", body)
	}
}
