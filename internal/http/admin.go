package httpadmin

import (
	"encoding/json"
	"net/http"
)

type Controller interface {
	ReloadCredentials() (summary string, err error)
	TerminateSession() error
}

type Server struct {
	ctl Controller
}

func New(ctl Controller) *Server { return &Server{ctl: ctl} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/credentials/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		summary, err := s.ctl.ReloadCredentials()
		if err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "reloaded": true, "cookies": summary})
	})
	mux.HandleFunc("/admin/session/terminate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.ctl.TerminateSession(); err != nil {
			http.Error(w, "terminate failed: "+err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "terminated": true})
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(payload)
}
