package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/adapter/rest"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/telemetry"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 10 * time.Second

// serveStdio runs MCP over stdin/stdout until ctx is done or stdin closes.
func serveStdio(ctx context.Context, s *mcpserver.MCPServer, logger *slog.Logger) error {
	logger.Info("serving MCP over stdio")
	if err := mcpserver.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

// httpHandler mounts health, metrics, MCP and the REST API on one mux.
func (a *app) httpHandler(s *mcpserver.MCPServer) http.Handler {
	var api http.Handler = rest.NewRouter(a.reports, a.logger)
	if a.detector != nil {
		api = nplusone.Middleware(a.detector, api)
	}

	var mcpHandler http.Handler = mcpserver.NewStreamableHTTPServer(s)

	token := a.cfg.HTTPBearerToken
	if token != "" {
		api = bearerAuthMiddleware(api, token)
		mcpHandler = bearerAuthMiddleware(mcpHandler, token)
	}

	registry := telemetry.NewRegistry(telemetry.NewPoolCollector(a.poolStats))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", telemetry.MetricsHandler(registry))
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/api/", api)

	var h http.Handler = recoveryMiddleware(mux, a.logger)
	if a.cfg.OTelEnabled {
		h = otelhttp.NewHandler(h, "pgtuner")
	}
	return h
}

// serveHTTP listens until ctx is done, then drains in-flight requests.
func (a *app) serveHTTP(ctx context.Context, s *mcpserver.MCPServer) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.httpHandler(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving HTTP",
			slog.String("addr", a.cfg.HTTPAddr),
			slog.Bool("auth", a.cfg.HTTPBearerToken != ""),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.logger.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in http handler",
					slog.Any("panic", rec),
					slog.String("http.method", r.Method),
					slog.String("http.path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bearerAuthMiddleware(next http.Handler, token string) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pgtuner"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
