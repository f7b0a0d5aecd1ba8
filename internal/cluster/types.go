package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// NodeIdentifier identifies a cluster member and the three interfaces it
// exposes: the client-facing API, the internal cluster protocol socket and
// the site-to-site endpoint.
//
// NodeIdentifier is a comparable value. Two identifiers refer to the same
// node when their IDs match; use Equal rather than == when addresses may have
// been re-resolved.
type NodeIdentifier struct {
	ID                string `json:"id"`
	APIAddress        string `json:"api_address"`
	APIPort           int    `json:"api_port"`
	SocketAddress     string `json:"socket_address"`
	SocketPort        int    `json:"socket_port"`
	SiteToSiteAddress string `json:"site_to_site_address,omitempty"`
	SiteToSitePort    int    `json:"site_to_site_port,omitempty"`
	SiteToSiteSecure  bool   `json:"site_to_site_secure,omitempty"`
}

// Equal reports whether n and other identify the same node.
func (n NodeIdentifier) Equal(other NodeIdentifier) bool {
	return n.ID == other.ID
}

// APIHost returns the host:port of the client-facing API.
func (n NodeIdentifier) APIHost() string {
	return net.JoinHostPort(n.APIAddress, strconv.Itoa(n.APIPort))
}

// APIBaseURL returns the http base URL of the client-facing API, without a
// trailing slash.
func (n NodeIdentifier) APIBaseURL() string {
	return "http://" + n.APIHost()
}

func (n NodeIdentifier) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.APIHost())
}

// Validate checks that the identifier can be addressed.
func (n NodeIdentifier) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if n.APIAddress == "" {
		return fmt.Errorf("node %s: api address is required", n.ID)
	}
	if n.APIPort <= 0 || n.APIPort > 65535 {
		return fmt.Errorf("node %s: invalid api port %d", n.ID, n.APIPort)
	}
	return nil
}

type RegisterRequest struct {
	Node NodeIdentifier `json:"node"`
}

type NodeList struct {
	Nodes []NodeIdentifier `json:"nodes"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
