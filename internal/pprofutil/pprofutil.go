package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Server serves the runtime profiling endpoints under /debug/pprof/.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr. Non-loopback binds are refused unless allowPublic.
func Start(addr string, allowPublic bool, lg *zap.Logger) (*Server, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof addr must be loopback unless allow_public is set: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	if lg != nil {
		lg.Info("pprof enabled", zap.String("url", "http://"+s.Addr()+"/debug/pprof/"))
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
