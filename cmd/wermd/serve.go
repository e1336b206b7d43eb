package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/dvore/werm/internal/auth"
	"github.com/dvore/werm/internal/config"
	"github.com/dvore/werm/internal/logger"
	"github.com/dvore/werm/internal/rendezvous"
	"github.com/dvore/werm/internal/wsframe"
)

func serveCmd() *cobra.Command {
	var addr string
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP broker: upgrades browser WebSockets to rendezvous sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			log := logger.New("serve")

			var pub *ecdsa.PublicKey
			if cfg.JWTKey != "" {
				key, err := auth.ParseKey(cfg.JWTKey)
				if err != nil {
					return fmt.Errorf("parse jwt key: %w", err)
				}
				pub = &key.PublicKey
			}

			broker := rendezvous.NewBroker(cfg, log)

			reaper, err := rendezvous.NewReaper(cfg.StateDir, logger.New("reaper"))
			if err != nil {
				return fmt.Errorf("start reaper: %w", err)
			}
			reaperCtx, stopReaper := context.WithCancel(context.Background())
			go reaper.Run(reaperCtx)
			defer stopReaper()

			limiter := rate.NewLimiter(rate.Limit(1<<20), 1<<16)

			mux := http.NewServeMux()
			mux.HandleFunc("/attach", attachHandler(broker, cfg, pub, limiter, log))
			mux.HandleFunc("/new", newSessionHandler(log))

			httpSrv := &http.Server{Addr: addr, Handler: mux}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info("serve: listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				log.Info("serve: shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&configPath, "config", "", "path to werm.yaml")
	return cmd
}

// newSessionHandler mints a fresh ephemeral termid for a client that
// has none yet, the Go restatement of dtachorshell's EPHEM_SOCK_PREFIX
// branch (there keyed by getpid(); here by a short uuid so the broker
// can mint many ephemeral ids from one process).
func newSessionHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		termid := "ephem-" + uuid.New().String()[:8]
		log.Info("new: minted ephemeral termid", "termid", termid)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"termid":%q}`, termid)
	}
}

// attachHandler upgrades a browser WebSocket connection, ensures the
// requested session's Master is running, dials its rendezvous socket,
// and relays between the two via AttachLoop until either side closes.
func attachHandler(broker *rendezvous.Broker, cfg config.Config, pub *ecdsa.PublicKey, limiter *rate.Limiter, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := rendezvous.ParseQueryValues(r.URL.Query())
		termid := q.TermID
		if termid == "" {
			http.Error(w, "missing termid", http.StatusBadRequest)
			return
		}

		if err := auth.CheckRequest(pub, r, termid); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		if _, err := broker.Ensure(termid, q.Pream); err != nil {
			log.Error("attach: ensure master", "termid", termid, "err", err)
			http.Error(w, "session unavailable", http.StatusInternalServerError)
			return
		}

		clientConn, err := wsframe.Upgrade(w, r)
		if err != nil {
			log.Warn("attach: upgrade failed", "termid", termid, "err", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer clientConn.Close()

		sockConn, err := rendezvous.Dial(cfg.SocketPath(termid))
		if err != nil {
			log.Error("attach: dial master socket", "termid", termid, "err", err)
			return
		}
		defer sockConn.Close()

		al, err := rendezvous.NewAttachLoop(clientConn, sockConn, limiter, log.With("termid", termid))
		if err != nil {
			log.Error("attach: construct loop", "termid", termid, "err", err)
			return
		}

		runCtx, stop := context.WithCancel(context.Background())
		defer stop()

		if err := al.Run(runCtx); err != nil {
			log.Info("attach: session ended", "termid", termid, "err", err)
		}
	}
}
