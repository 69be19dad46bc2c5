package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"

	"blastguard.ai/internal/admin"
	"blastguard.ai/internal/guard"
	"blastguard.ai/internal/transport/notify"
	"blastguard.ai/internal/transport/ws"
)

type muxOptions struct {
	AdminHTTP bool
	Pprof     bool
	HostToken string
	Logger    *slog.Logger
}

type commandRequest struct {
	Args   []string `json:"args"`
	Locale string   `json:"locale,omitempty"`
}

type commandResponse struct {
	OK    bool     `json:"ok"`
	Lines []string `json:"lines"`
	Error string   `json:"error,omitempty"`
}

func newMux(svc *guard.Service, opts muxOptions) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", svc.Metrics().Handler())

	if opts.AdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !notify.IsLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(svc.State(r.Context()))
		})
		mux.HandleFunc("/admin/v1/command", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !notify.IsLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			var req commandRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
				http.Error(rw, "bad request", http.StatusBadRequest)
				return
			}
			sender := admin.Console
			sender.Locale = req.Locale
			reply := svc.Command(r.Context(), sender, req.Args)

			resp := commandResponse{OK: reply.OK(), Lines: reply.Lines}
			if resp.Lines == nil {
				resp.Lines = []string{}
			}
			rw.Header().Set("Content-Type", "application/json")
			if reply.Err != nil {
				resp.Error = reply.Err.Error()
				rw.WriteHeader(http.StatusUnprocessableEntity)
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/notify/ws", notify.NewServer(svc.Hub(), logger.With("component", "notify")).WSHandler())
	} else {
		logger.Info("admin endpoints disabled (BG_ENABLE_ADMIN_HTTP=false)")
	}
	if opts.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	hosts := ws.NewServer(svc, ws.Options{Token: opts.HostToken, Logger: logger.With("component", "ws")})
	svc.TrackHostSessions(hosts.Sessions)
	mux.HandleFunc("/v1/ws", hosts.Handler())
	return mux
}
