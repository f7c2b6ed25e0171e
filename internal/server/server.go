package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tablex-io/tablex/internal/accounts"
	"github.com/tablex-io/tablex/internal/pipeline"
	"github.com/tablex-io/tablex/internal/rasterize"
)

// AnonymousUser is the sentinel identity used when anonymous access is
// enabled and the request carries no credentials.
const AnonymousUser = "local_user"

// Rasterizer turns PDF bytes into rendered pages.
type Rasterizer func(pdf []byte) ([]rasterize.Page, error)

// Runner drives one document run through the extraction pipeline.
type Runner interface {
	Run(ctx context.Context, username string, pages []rasterize.Page) (*pipeline.DocumentRun, error)
}

// Server handles HTTP requests for document extraction and accounts
type Server struct {
	rasterize      Rasterizer
	runner         Runner
	users          accounts.UserStore
	ledger         accounts.Ledger
	dataDir        string
	allowAnonymous bool
	mux            *http.ServeMux
}

// New creates a new Server with default mux
func New(r Rasterizer, runner Runner, users accounts.UserStore, ledger accounts.Ledger, dataDir string, allowAnonymous bool) *Server {
	return NewWithMux(r, runner, users, ledger, dataDir, allowAnonymous, http.NewServeMux())
}

// NewWithMux creates a new Server with a custom mux for testing
func NewWithMux(r Rasterizer, runner Runner, users accounts.UserStore, ledger accounts.Ledger, dataDir string, allowAnonymous bool, mux *http.ServeMux) *Server {
	s := &Server{
		rasterize:      r,
		runner:         runner,
		users:          users,
		ledger:         ledger,
		dataDir:        dataDir,
		allowAnonymous: allowAnonymous,
		mux:            mux,
	}
	s.registerRoutes()
	return s
}

var errNoCredentials = errors.New("no credentials provided")

// identify resolves the requesting identity from basic auth credentials,
// falling back to the anonymous sentinel when that is allowed.
func (s *Server) identify(r *http.Request) (string, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		if s.allowAnonymous {
			return AnonymousUser, nil
		}
		return "", errNoCredentials
	}

	user, err := s.users.Authenticate(r.Context(), username, password)
	if err != nil {
		return "", err
	}
	return user.Username, nil
}

// authedHandler is a handler that runs with a resolved identity
type authedHandler func(w http.ResponseWriter, r *http.Request, username string)

// requireAuth middleware
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := s.identify(r)
		if err != nil {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="tablex"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, username)
	}
}

// requireAdmin middleware
func (s *Server) requireAdmin(next authedHandler) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request, username string) {
		role, err := s.users.RoleOf(r.Context(), username)
		if err != nil || role != accounts.RoleAdmin {
			corsError(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r, username)
	})
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/extract", s.requireAuth(s.handleExtract))
	s.mux.HandleFunc("GET /api/usage", s.requireAuth(s.handleUsage))

	s.mux.HandleFunc("GET /api/users", s.requireAdmin(s.handleListUsers))
	s.mux.HandleFunc("POST /api/users", s.handleRegister)
	s.mux.HandleFunc("POST /api/users/password", s.requireAuth(s.handleChangePassword))

	s.mux.HandleFunc("GET /api/exports/{name}", s.requireAuth(s.handleGetExport))
	s.mux.HandleFunc("DELETE /api/exports", s.requireAuth(s.handleClearExports))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
			s.mux.ServeHTTP(w, r)
		})(w, r)
	}))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
