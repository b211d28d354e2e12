package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/receipt-pipeline/internal/gateway"
	"github.com/zombor/receipt-pipeline/internal/invoke"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// LocalUser owns every receipt when basic auth is disabled
const LocalUser = "local"

// Submitter accepts new receipt images
type Submitter interface {
	Submit(ctx context.Context, userID string, image []byte, contentType string) (string, error)
}

// Comparer runs the on-demand price comparison
type Comparer interface {
	CompareOnDemand(ctx context.Context, receiptID, apiKey string) (*receipt.Receipt, error)
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Deps are the collaborators behind the HTTP API
type Deps struct {
	DB        receipt.DB
	Storage   receipt.Storage
	Submitter Submitter
	Comparer  Comparer
	Feed      gateway.Feed
	Functions invoke.Invoker
}

// Server handles HTTP requests for receipts and function invocations
type Server struct {
	deps           Deps
	basicAuth      BasicAuth
	functionSecret string
	heartbeat      time.Duration
	mux            *http.ServeMux
}

// New creates a Server. functionSecret guards /functions/v1/ and may be empty.
func New(deps Deps, basicAuth BasicAuth, functionSecret string) *Server {
	return NewWithMux(deps, basicAuth, functionSecret, http.NewServeMux())
}

// NewWithMux creates a new Server with a custom mux for testing
func NewWithMux(deps Deps, basicAuth BasicAuth, functionSecret string, mux *http.ServeMux) *Server {
	s := &Server{
		deps:           deps,
		basicAuth:      basicAuth,
		functionSecret: functionSecret,
		heartbeat:      30 * time.Second,
		mux:            mux,
	}
	s.registerRoutes()
	return s
}

// user returns the authenticated user name, or "" when the credentials are wrong
func (s *Server) user(r *http.Request) string {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return LocalUser // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return ""
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return ""
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return ""
	}

	if credentials[0] != s.basicAuth.Username || credentials[1] != s.basicAuth.Password {
		return ""
	}
	return credentials[0]
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := s.user(r)
		if u == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Pipeline"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
	}
}

// requireFunctionSecret checks the bearer token sent by invokers
func (s *Server) requireFunctionSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.functionSecret != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.functionSecret)) != 1 {
				writeJSON(w, http.StatusUnauthorized, invoke.Response{Error: "Unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/receipts/{id}/events", s.requireAuth(s.handleReceiptEvents))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("POST /api/receipts/{id}/compare", s.requireAuth(s.handleCompare))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleUploadReceipt))

	s.mux.HandleFunc("PUT /api/settings/gemini-key", s.requireAuth(s.handleSaveAPIKey))

	// Stored images, addressed by the imageUrl on each receipt
	s.mux.HandleFunc("GET /files/{path...}", s.requireAuth(s.handleGetObject))

	s.mux.HandleFunc("POST /functions/v1/{function}", s.requireFunctionSecret(s.handleInvokeFunction))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
