// Package transport implements the node-call side of replication over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/replication"
)

// ErrBodyTooLarge is returned when a node's response body exceeds
// Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("node response body too large")

const (
	defaultConnectionTimeout = 5 * time.Second
	defaultResponseTimeout   = 30 * time.Second
	defaultMaxBodyBytes      = 16 << 20
)

// Config configures an HTTPCaller. Zero values select the defaults.
type Config struct {
	Logger zerolog.Logger

	// ConnectionTimeout bounds dialing a node.
	ConnectionTimeout time.Duration
	// ResponseTimeout bounds waiting for a node's response headers.
	ResponseTimeout time.Duration

	// RateLimit caps outbound node calls per second across all nodes;
	// 0 disables limiting. RateBurst defaults to 1 when limiting.
	RateLimit float64
	RateBurst int

	// MaxBodyBytes caps a node's response body. Larger bodies fail the call.
	MaxBodyBytes int64
}

// HTTPCaller sends replicated requests to a node's client-facing API.
// It implements replication.Caller.
//
// A node acknowledges a can-commit probe with an informational
// replication.NodeContinueStatus response; HTTPCaller reports that status in
// place of the final 2xx that net/http sends after it.
type HTTPCaller struct {
	client       *http.Client
	limiter      *rate.Limiter
	logger       zerolog.Logger
	maxBodyBytes int64
}

var _ replication.Caller = (*HTTPCaller)(nil)

func NewHTTPCaller(cfg Config) *HTTPCaller {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectionTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectionTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	c := &HTTPCaller{
		client:       &http.Client{Transport: transport},
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// NodeURL rewrites uri to target node's API address, keeping path and query.
func NodeURL(node cluster.NodeIdentifier, uri *url.URL) *url.URL {
	u := *uri
	u.Scheme = "http"
	u.Host = node.APIHost()
	u.User = nil
	return &u
}

// Call implements replication.Caller.
func (c *HTTPCaller) Call(ctx context.Context, node cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*replication.NodeResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	target := NodeURL(node, uri)

	var body io.Reader
	if len(entity) > 0 {
		body = bytes.NewReader(entity)
	}

	var informational atomic.Int32
	trace := &httptrace.ClientTrace{
		Got1xxResponse: func(code int, _ textproto.MIMEHeader) error {
			if code == replication.NodeContinueStatus {
				informational.Store(int32(code))
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", node, err)
	}
	if int64(len(payload)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response from %s: %w (limit %d bytes)", node, ErrBodyTooLarge, c.maxBodyBytes)
	}

	status := resp.StatusCode
	if code := int(informational.Load()); code != 0 && status >= 200 && status < 300 {
		status = code
	}

	c.logger.Debug().
		Str("node", node.ID).
		Str("method", method).
		Str("url", target.String()).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Msg("node call completed")

	return &replication.NodeResponse{
		NodeID:  node,
		Method:  method,
		URI:     uri,
		Status:  status,
		Header:  resp.Header,
		Body:    payload,
		Latency: time.Since(start),
	}, nil
}
