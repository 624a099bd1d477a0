// Package control exposes fleet operations to the operator backend over an
// HTTP request/response surface, a websocket push channel and a liveness
// probe.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/banankicks/donutbets-render/internal/auth"
	"github.com/banankicks/donutbets-render/internal/fleet"
	"github.com/banankicks/donutbets-render/internal/logging"
	"github.com/banankicks/donutbets-render/internal/verify"
)

const maxBodyBytes = 1 << 20 // 1MB

// RequestReader is the verify-store surface the query endpoint needs.
type RequestReader interface {
	ListPending(ctx context.Context) ([]verify.Request, error)
}

// Server hosts the control plane: the HTTP API + health probe on one port
// and the websocket push channel on the current server's port.
type Server struct {
	httpPort int
	wsPort   int
	manager  *fleet.Manager
	requests RequestReader
	log      *slog.Logger

	apiServer *http.Server
	wsServer  *http.Server
	upgrader  websocket.Upgrader
}

// New builds the control server. wsPort comes from the current ServerTarget.
func New(httpPort, wsPort int, manager *fleet.Manager, requests RequestReader) *Server {
	s := &Server{
		httpPort: httpPort,
		wsPort:   wsPort,
		manager:  manager,
		requests: requests,
		log:      logging.ForComponent(logging.CompControl),
		upgrader: websocket.Upgrader{
			// The operator backend connects cross-origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/", s.handleAPI)
	mux.HandleFunc("/requests", s.handleRequests)
	s.apiServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", s.handleWS)
	s.wsServer = &http.Server{Handler: wsMux}

	return s
}

// ServeHTTP implements http.Handler for testing the API surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.apiServer.Handler.ServeHTTP(w, r)
}

// WSHandler returns the websocket handler for testing.
func (s *Server) WSHandler() http.Handler {
	return s.wsServer.Handler
}

// Start binds both listeners and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.httpPort))
	if err != nil {
		return fmt.Errorf("control listen :%d: %w", s.httpPort, err)
	}
	wsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.wsPort))
	if err != nil {
		_ = apiLn.Close()
		return fmt.Errorf("control ws listen :%d: %w", s.wsPort, err)
	}
	s.log.Info("control plane started", "http_port", s.httpPort, "ws_port", s.wsPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.apiServer.Serve(apiLn); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.wsServer.Serve(wsLn); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.apiServer.Shutdown(shutCtx)
		_ = s.wsServer.Shutdown(shutCtx)
		return nil
	})
	return g.Wait()
}

// request is the control-plane request envelope, shared by both surfaces.
type request struct {
	Action  string                 `json:"action,omitempty"`
	BotName string                 `json:"bot_name,omitempty"`
	BotData *auth.Record           `json:"bot_data,omitempty"`
	Bots    map[string]auth.Record `json:"bots,omitempty"`
}

// payload is one structured response object.
type payload map[string]any

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	current := s.manager.CurrentServer()
	writeJSON(w, http.StatusOK, payload{
		"status":     "healthy",
		"server":     current.Name,
		"server_id":  current.ID,
		"port":       current.Port,
		"activeBots": s.manager.ActiveCount(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqs, err := s.requests.ListPending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, payload{"success": false, "message": err.Error()})
		return
	}
	if reqs == nil {
		reqs = []verify.Request{}
	}
	writeJSON(w, http.StatusOK, payload{"success": true, "requests": reqs})
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := strings.TrimPrefix(r.URL.Path, "/api/")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, payload{"success": false, "message": "unreadable body"})
		return
	}
	var req request
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, payload{"success": false, "message": "invalid JSON"})
			return
		}
	}
	req.Action = action

	writeJSON(w, http.StatusOK, s.dispatch(req))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "err", err)
		return
	}
	s.log.Info("websocket connection opened", "remote", r.RemoteAddr)
	defer func() {
		_ = conn.Close()
		s.log.Info("websocket connection closed", "remote", r.RemoteAddr)
	}()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("websocket read", "err", err)
			}
			return
		}

		resp := s.dispatch(req)
		resp["action"] = responseAction(req.Action)
		if req.BotName != "" {
			resp["bot_name"] = req.BotName
		}
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Warn("websocket write", "err", err)
			return
		}
	}
}

// responseAction maps a request action to its push-channel response tag.
func responseAction(action string) string {
	switch action {
	case "get_bot_status":
		return "bot_status_response"
	case "get_all_bots_status":
		return "all_bots_status_response"
	case "get_servers":
		return "servers_response"
	case "":
		return "error"
	default:
		return action + "_response"
	}
}

// dispatch runs one control action. Every outcome is a structured object;
// fleet errors become success:false, never a transport fault.
func (s *Server) dispatch(req request) payload {
	current := s.manager.CurrentServer()

	switch req.Action {
	case "start_bot":
		if req.BotData != nil {
			if err := s.manager.SetCredential(req.BotName, *req.BotData); err != nil {
				return payload{"success": false, "message": err.Error()}
			}
		}
		if err := s.manager.Start(req.BotName); err != nil {
			return payload{"success": false, "message": err.Error()}
		}
		return payload{
			"success": true,
			"message": fmt.Sprintf("Bot %s started successfully on %s", req.BotName, current.Name),
			"server":  current.Name,
		}

	case "stop_bot":
		if err := s.manager.Stop(req.BotName); err != nil {
			return payload{"success": false, "message": err.Error()}
		}
		return payload{
			"success": true,
			"message": fmt.Sprintf("Bot %s stopped successfully from %s", req.BotName, current.Name),
			"server":  current.Name,
		}

	case "get_bot_status":
		return payload{"success": true, "status": s.manager.Status(req.BotName)}

	case "get_all_bots_status":
		return payload{"success": true, "bots": s.manager.ListAll()}

	case "get_servers":
		return payload{"success": true, "servers": s.manager.Servers()}

	case "sync_bots":
		if err := s.manager.SyncCredentials(req.Bots); err != nil {
			return payload{"success": false, "message": err.Error()}
		}
		return payload{"success": true, "message": "Bot data synced"}

	default:
		return payload{"success": false, "message": "Unknown action"}
	}
}
