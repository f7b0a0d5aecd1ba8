package coordinator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/replication"
)

// Replicator is the part of replication.ThreadPoolReplicator the server uses.
type Replicator interface {
	Replicate(nodes []cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*replication.AsyncClusterResponse, error)
	ClusterResponse(requestID string) *replication.AsyncClusterResponse
}

// Config configures a Server. Zero values select the defaults.
type Config struct {
	Logger zerolog.Logger

	// RequestTimeout bounds how long /cluster waits for the merged response.
	// Default 30s.
	RequestTimeout time.Duration

	// MaxBodyBytes caps the entity accepted by /cluster. Default 16 MiB.
	MaxBodyBytes int64

	// HealthInterval enables the node health monitor when > 0.
	HealthInterval time.Duration
	// MaxHealthFailures is the number of failed checks after which a node is
	// unhealthy. Default 3.
	MaxHealthFailures int
	// EvictUnhealthy deregisters nodes the health monitor marks unhealthy.
	EvictUnhealthy bool
}

// Server is the coordinator's HTTP API. It keeps the node membership and
// turns every request under /cluster into a replicated request.
type Server struct {
	cfg        Config
	replicator Replicator
	monitor    *HealthMonitor
	engine     *gin.Engine
	logger     zerolog.Logger

	mu    sync.RWMutex
	nodes []cluster.NodeIdentifier
}

// NewServer builds the coordinator API on top of replicator.
func NewServer(replicator Replicator, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = replication.DefaultResponseTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}

	s := &Server{
		cfg:        cfg,
		replicator: replicator,
		logger:     cfg.Logger,
	}
	if cfg.HealthInterval > 0 {
		s.monitor = NewHealthMonitor(cfg.HealthInterval, cfg.MaxHealthFailures, cfg.Logger)
		s.monitor.SetOnUnhealthy(s.nodeUnhealthy)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(cfg.Logger))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/register", s.handleRegister)
	s.engine.GET("/nodes", s.handleListNodes)
	s.engine.DELETE("/nodes/:id", s.handleDeregister)
	s.engine.GET("/requests/:id", s.handleRequestStatus)
	s.engine.Any("/cluster/*path", s.handleCluster)
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start launches background work: the health monitor, when enabled.
func (s *Server) Start() {
	if s.monitor != nil {
		s.monitor.Start(s.Nodes)
	}
}

// Stop halts background work started by Start.
func (s *Server) Stop() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
}

// Register adds node to the membership, replacing any node with the same ID.
// It reports whether the node is new.
func (s *Server) Register(node cluster.NodeIdentifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, node.Equal)
	if idx >= 0 {
		s.nodes[idx] = node
		return false
	}
	s.nodes = append(s.nodes, node)
	return true
}

// Deregister removes the node with the given ID. It reports whether a node
// was removed.
func (s *Server) Deregister(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeIdentifier) bool { return n.ID == nodeID })
	if idx < 0 {
		return false
	}
	s.nodes = slices.Delete(s.nodes, idx, idx+1)
	return true
}

// Nodes returns the membership sorted by node ID. The order is the order in
// which replicated requests address nodes, so the first node's response
// represents the cluster when every node succeeds.
func (s *Server) Nodes() []cluster.NodeIdentifier {
	s.mu.RLock()
	nodes := slices.Clone(s.nodes)
	s.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b cluster.NodeIdentifier) int {
		return strings.Compare(a.ID, b.ID)
	})
	return nodes
}

func (s *Server) nodeUnhealthy(node cluster.NodeIdentifier) {
	if !s.cfg.EvictUnhealthy {
		return
	}
	if s.Deregister(node.ID) {
		s.logger.Warn().Str("node", node.String()).Msg("deregistered unhealthy node")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	count := len(s.nodes)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "nodes": count})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req cluster.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad json: " + err.Error()})
		return
	}
	if err := req.Node.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.Register(req.Node) {
		s.logger.Info().Str("node", req.Node.String()).Msg("node registered")
	} else {
		s.logger.Info().Str("node", req.Node.String()).Msg("node re-registered")
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeregister(c *gin.Context) {
	if !s.Deregister(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
		return
	}
	s.logger.Info().Str("node", c.Param("id")).Msg("node deregistered")
	c.Status(http.StatusNoContent)
}

// NodeStatus is one entry of the GET /nodes listing.
type NodeStatus struct {
	cluster.NodeIdentifier
	Health *NodeHealth `json:"health,omitempty"`
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes := s.Nodes()
	out := make([]NodeStatus, 0, len(nodes))
	for _, node := range nodes {
		status := NodeStatus{NodeIdentifier: node}
		if s.monitor != nil {
			status.Health = s.monitor.NodeHealth(node.ID)
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

// handleCluster replicates the request to every registered node and answers
// with the merged response.
//
// Response:
//   - the merged node response (status, headers, body) when every node answered
//   - 409 when two-phase commit was aborted by a node
//   - 500 when a node failed or did not answer within RequestTimeout
//   - 503 when no nodes are registered or the replicator is shutting down
func (s *Server) handleCluster(c *gin.Context) {
	nodes := s.Nodes()
	if len(nodes) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no nodes registered"})
		return
	}

	entity, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	uri := &url.URL{Path: c.Param("path"), RawQuery: c.Request.URL.RawQuery}
	header := c.Request.Header.Clone()
	removeHopHeaders(header)

	resp, err := s.replicator.Replicate(nodes, c.Request.Method, uri, entity, header)
	if err != nil {
		var invalid *replication.InvalidRequestError
		switch {
		case errors.As(err, &invalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
		return
	}
	c.Header(replication.RequestIDHeader, resp.RequestID())

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	merged, err := resp.Await(ctx)
	if err != nil {
		var aborted *replication.TwoPhaseCommitAbortedError
		switch {
		case errors.As(err, &aborted):
			c.JSON(http.StatusConflict, gin.H{
				"error":      err.Error(),
				"request_id": aborted.RequestID,
				"node":       aborted.Node.ID,
			})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "request_id": resp.RequestID()})
		}
		return
	}

	if merged.Err != nil {
		c.JSON(merged.Status, gin.H{
			"error":      merged.Err.Error(),
			"request_id": resp.RequestID(),
			"node":       merged.NodeID.ID,
		})
		return
	}

	// A 1xx would be written as an informational response followed by an
	// implicit 200.
	if merged.Status < http.StatusOK {
		s.logger.Error().
			Str("request_id", resp.RequestID()).
			Str("node", merged.NodeID.ID).
			Int("status", merged.Status).
			Msg("node answered with a non-final status")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      "node answered with non-final status " + strconv.Itoa(merged.Status),
			"request_id": resp.RequestID(),
			"node":       merged.NodeID.ID,
		})
		return
	}

	for key, values := range merged.Header {
		if isHopHeader(key) || key == "Content-Length" || key == "Content-Type" {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Data(merged.Status, merged.Header.Get("Content-Type"), merged.Body)
}

// RequestStatus is the body of GET /requests/:id.
type RequestStatus struct {
	RequestID string                `json:"request_id"`
	Method    string                `json:"method"`
	URI       string                `json:"uri"`
	CreatedAt time.Time             `json:"created_at"`
	Complete  bool                  `json:"complete"`
	Nodes     []NodeResponseSummary `json:"nodes"`
}

// NodeResponseSummary describes one node's part of a replicated request.
type NodeResponseSummary struct {
	NodeID    string  `json:"node_id"`
	Pending   bool    `json:"pending"`
	Status    int     `json:"status,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// handleRequestStatus reports the progress of a request that is in flight or
// completed but not yet fetched. Looking at it does not count as fetching.
func (s *Server) handleRequestStatus(c *gin.Context) {
	resp := s.replicator.ClusterResponse(c.Param("id"))
	if resp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request"})
		return
	}

	status := RequestStatus{
		RequestID: resp.RequestID(),
		Method:    resp.Method(),
		URI:       resp.URI().String(),
		CreatedAt: resp.CreatedAt(),
		Complete:  resp.IsComplete(),
	}
	for _, node := range resp.NodesInvolved() {
		summary := NodeResponseSummary{NodeID: node.ID, Pending: true}
		if nr := resp.NodeResponse(node); nr != nil {
			summary.Pending = false
			summary.Status = nr.Status
			summary.LatencyMS = float64(nr.Latency) / float64(time.Millisecond)
			if nr.Err != nil {
				summary.Error = nr.Err.Error()
			}
		}
		status.Nodes = append(status.Nodes, summary)
	}
	c.JSON(http.StatusOK, status)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(key string) bool {
	return slices.Contains(hopHeaders, http.CanonicalHeaderKey(key))
}

func removeHopHeaders(h http.Header) {
	for _, key := range hopHeaders {
		h.Del(key)
	}
	h.Del("Content-Length")
}

// requestLogger logs one line per request with zerolog.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.Writer.Header().Get(replication.RequestIDHeader)).
			Msg("handled request")
	}
}
