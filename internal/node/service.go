package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/storage"
)

// RevisionHeader carries a key's revision. On GET responses and successful
// PUTs it is the current revision; on PUT and DELETE requests it is the
// revision the caller expects the key to have (0 for an absent key).
const RevisionHeader = "X-Revision"

// Service is the client-facing HTTP API of a storage node. It is the
// participant side of two-phase commit: a mutating request carrying the
// can-commit probe header is validated against the store and acknowledged
// with replication.NodeContinueStatus, without touching any data. The same
// request without the probe header is applied.
//
// Routes:
//
//	GET    /health        liveness
//	GET    /info          node id and store statistics
//	GET    /store         list keys
//	GET    /store/{key}   read a value
//	PUT    /store/{key}   write a value
//	DELETE /store/{key}   remove a value
//
// Keys may contain slashes.
type Service struct {
	id      string
	store   storage.Store
	logger  zerolog.Logger
	started time.Time
}

// NewService creates the HTTP service of node id backed by store.
func NewService(id string, store storage.Store, logger zerolog.Logger) *Service {
	return &Service{
		id:      id,
		store:   store,
		logger:  logger.With().Str("node", id).Logger(),
		started: time.Now(),
	}
}

// Handler returns the service's routes. It is a plain http.ServeMux because
// the probe acknowledgement is an informational response, which has to reach
// the connection as soon as WriteHeader is called.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /store", s.handleList)
	mux.HandleFunc("GET /store/{key...}", s.handleGet)
	mux.HandleFunc("PUT /store/{key...}", s.handleMutation(storage.OpPut))
	mux.HandleFunc("DELETE /store/{key...}", s.handleMutation(storage.OpDelete))
	return mux
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.Get(r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(RevisionHeader, strconv.FormatUint(entry.Revision, 10))
	if _, err := w.Write(entry.Value); err != nil {
		s.logger.Debug().Err(err).Msg("write response")
	}
}

// handleMutation serves PUT and DELETE. With the probe header it only answers
// whether the op could be applied.
func (s *Service) handleMutation(kind storage.OpKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := storage.Op{Kind: kind, Key: r.PathValue("key")}

		if raw := r.Header.Get(RevisionHeader); raw != "" {
			rev, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid "+RevisionHeader+" header", http.StatusBadRequest)
				return
			}
			op.ExpectedRevision = &rev
		}

		if kind == storage.OpPut {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			op.Value = body
		}

		log := s.logger.With().
			Str("request_id", r.Header.Get(replication.RequestIDHeader)).
			Str("method", r.Method).
			Str("key", op.Key).
			Logger()

		if isProbe(r) {
			if err := s.store.Validate(op); err != nil {
				log.Info().Err(err).Msg("rejecting can-commit probe")
				s.writeError(w, r, err)
				return
			}
			log.Debug().Msg("acknowledging can-commit probe")
			w.WriteHeader(replication.NodeContinueStatus)
			return
		}

		entry, err := s.store.Apply(op)
		if err != nil {
			log.Info().Err(err).Msg("mutation failed")
			s.writeError(w, r, err)
			return
		}
		log.Debug().Uint64("revision", entry.Revision).Msg("mutation applied")

		w.Header().Set(RevisionHeader, strconv.FormatUint(entry.Revision, 10))
		if kind == storage.OpDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Service) handleList(w http.ResponseWriter, _ *http.Request) {
	keys := s.store.List()
	slices.Sort(keys)

	writeJSON(w, http.StatusOK, struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}{Keys: keys, Count: len(keys)})
}

// Info is the body of GET /info.
type Info struct {
	NodeID  string             `json:"node_id"`
	Uptime  string             `json:"uptime"`
	Storage storage.StoreStats `json:"storage"`
}

func (s *Service) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Info{
		NodeID:  s.id,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Storage: s.store.Stats(),
	})
}

func isProbe(r *http.Request) bool {
	return r.Header.Get(replication.ExpectsHeader) == replication.NodeContinue
}

// StatusFor maps a store error to the HTTP status the node answers with.
func StatusFor(err error) int {
	var conflict *storage.RevisionConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrEmptyKey):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrValueTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *storage.RevisionConflictError
	if errors.As(err, &conflict) {
		w.Header().Set(RevisionHeader, strconv.FormatUint(conflict.Actual, 10))
	}
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("store error")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
