// Package server exposes the pipeline over a WebSocket endpoint for local
// clients: streaming query answers plus ingestion and maintenance commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/edgerag/guide/internal/types"
	"github.com/edgerag/guide/pkg/ingest"
	"github.com/edgerag/guide/pkg/query"
	"github.com/edgerag/guide/pkg/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Message is the wire frame in both directions. Inbound Type selects the
// command; outbound Type is one of status, stream, response, data, error.
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

type WSServer struct {
	ingestor     *ingest.Service
	orchestrator *query.Orchestrator
	vectorStore  *store.VectorStore
	logger       *slog.Logger
}

func NewWSServer(ingestor *ingest.Service, orchestrator *query.Orchestrator, vectorStore *store.VectorStore, logger *slog.Logger) *WSServer {
	return &WSServer{
		ingestor:     ingestor,
		orchestrator: orchestrator,
		vectorStore:  vectorStore,
		logger:       logger.With(slog.String("component", "server")),
	}
}

// Run serves until the listener fails or ctx is cancelled.
func (s *WSServer) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info("listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *WSServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.vectorStore.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", slog.Any("error", err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendMessage(conn, "error", fmt.Sprintf("malformed message: %v", err))
			continue
		}

		// One command at a time per connection keeps frame ordering sane.
		s.handleMessage(r.Context(), conn, msg)
	}
}

func (s *WSServer) handleMessage(ctx context.Context, conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case "query", "":
		s.handleQuery(ctx, conn, msg.Content)
	case "ingest_url":
		s.reportIngest(conn, func() (any, error) {
			return s.ingestor.IngestURL(ctx, msg.Content)
		})
	case "ingest_path":
		s.reportIngest(conn, func() (any, error) {
			return s.ingestor.IngestDirectory(ctx, msg.Content, nil)
		})
	case "ingest_file":
		s.reportIngest(conn, func() (any, error) {
			return s.ingestor.IngestFile(ctx, msg.Content)
		})
	case "check_updates":
		s.reportIngest(conn, func() (any, error) {
			if msg.Content != "" {
				return s.ingestor.CheckSource(ctx, msg.Content)
			}
			return s.ingestor.CheckUpdates(ctx)
		})
	case "list":
		s.reportIngest(conn, func() (any, error) {
			return s.ingestor.List(ctx, "", msg.Content)
		})
	case "delete":
		s.reportIngest(conn, func() (any, error) {
			return nil, s.ingestor.Delete(ctx, msg.Content)
		})
	default:
		s.sendMessage(conn, "error", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *WSServer) handleQuery(ctx context.Context, conn *websocket.Conn, question string) {
	stream, err := s.orchestrator.Stream(ctx, question)
	if err != nil {
		s.sendError(conn, err)
		return
	}
	defer stream.Close()

	for {
		tok, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := conn.WriteJSON(Message{Type: "response", Data: stream.Sources()}); err != nil {
				s.logger.Warn("websocket write failed", slog.Any("error", err))
			}
			return
		}
		if err != nil {
			s.sendError(conn, err)
			return
		}
		s.sendMessage(conn, "stream", tok)
	}
}

func (s *WSServer) reportIngest(conn *websocket.Conn, run func() (any, error)) {
	result, err := run()
	if err != nil {
		s.sendError(conn, err)
		return
	}
	if err := conn.WriteJSON(Message{Type: "data", Data: result}); err != nil {
		s.logger.Warn("websocket write failed", slog.Any("error", err))
	}
}

// sendError surfaces the error kind so clients can branch without parsing
// message text.
func (s *WSServer) sendError(conn *websocket.Conn, err error) {
	msg := Message{Type: "error", Content: err.Error()}
	if kind := types.KindOf(err); kind != "" {
		msg.Data = map[string]string{"kind": string(kind)}
	}
	if writeErr := conn.WriteJSON(msg); writeErr != nil {
		s.logger.Warn("websocket write failed", slog.Any("error", writeErr))
	}
}

func (s *WSServer) sendMessage(conn *websocket.Conn, msgType, content string) {
	if err := conn.WriteJSON(Message{Type: msgType, Content: content}); err != nil {
		s.logger.Warn("websocket write failed", slog.Any("error", err))
	}
}
