package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/resilience"
	"github.com/clearledger/invoice-sentinel/internal/verify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status and verification API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newMux(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newMux builds the API routes over a wired environment.
func newMux(env *sentinelEnv) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /batch/{id}", func(w http.ResponseWriter, r *http.Request) {
		batch, err := env.Store.GetBatch(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "batch lookup failed")
			zap.L().Error("batch lookup", zap.Error(err))
			return
		}
		if batch == nil {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeJSON(w, http.StatusOK, batch)
	})

	mux.HandleFunc("GET /invoice/{id}", func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := invoiceReport(r.Context(), env.Store, r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "invoice lookup failed")
			zap.L().Error("invoice lookup", zap.Error(err))
			return
		}
		if snapshot == nil {
			writeError(w, http.StatusNotFound, "invoice not found")
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	})

	mux.HandleFunc("POST /verify/challenge", func(w http.ResponseWriter, r *http.Request) {
		challenge, err := env.Verify.RequestChallenge(r.Context())
		if err != nil {
			var unavailable *resilience.ServiceUnavailableError
			switch {
			case eris.Is(err, verify.ErrTooManySessions):
				writeError(w, http.StatusTooManyRequests, "too many pending sessions")
			case errors.As(err, &unavailable):
				writeError(w, http.StatusServiceUnavailable, "verification portal unavailable")
			default:
				writeError(w, http.StatusInternalServerError, "challenge request failed")
				zap.L().Error("challenge request", zap.Error(err))
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": challenge.SessionID,
			"image":      challenge.ImageBase64,
		})
	})

	mux.HandleFunc("POST /verify/submit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			TaxID     string `json:"tax_id"`
			Response  string `json:"response"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.SessionID == "" || req.TaxID == "" || req.Response == "" {
			writeError(w, http.StatusBadRequest, "session_id, tax_id, and response are required")
			return
		}

		outcome, err := env.Verify.Submit(r.Context(), req.SessionID, req.TaxID, req.Response)
		if err != nil {
			var unavailable *resilience.ServiceUnavailableError
			switch {
			case eris.Is(err, verify.ErrSessionInvalid):
				writeError(w, http.StatusConflict, "session unknown, expired, or already used")
			case errors.As(err, &unavailable):
				writeError(w, http.StatusServiceUnavailable, "verification portal unavailable")
			default:
				writeError(w, http.StatusInternalServerError, "verification failed")
				zap.L().Error("verification submit", zap.Error(err))
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"verified": outcome.Verified,
			"record":   outcome.Record,
			"reason":   outcome.Reason,
		})
	})

	mux.HandleFunc("GET /keys/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pool_size":   env.Keys.Size(),
			"credentials": env.Keys.Status(),
		})
	})

	mux.HandleFunc("POST /keys/reset", func(w http.ResponseWriter, r *http.Request) {
		env.Keys.Reset()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "reset",
			"pool_size": env.Keys.Size(),
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
