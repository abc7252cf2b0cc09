// Package rpc implements the inter-node link: an HTTP POST envelope
// carrying Raft RPCs, the cluster create-room handshake, and forwarded
// client operations, all addressed by roomCode.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kartikbazzad/bunroom/internal/wire"
)

// DefaultTimeout is the RPC client's default per-call timeout.
const DefaultTimeout = 2 * time.Second

// Dispatcher resolves an incoming envelope to the room (and, for
// REQUEST_VOTE/APPEND_ENTRIES, the Raft group) it targets. internal/registry
// implements this directly — it already owns the code -> Room map.
type Dispatcher interface {
	RequestVote(roomCode string, args wire.RequestVoteArgs) (wire.RequestVoteReply, error)
	AppendEntries(roomCode string, args wire.AppendEntriesArgs) (wire.AppendEntriesReply, error)
	HandleCreateRoomRPC(args wire.CreateRoomArgs) error
	ForwardOperation(roomCode string, op wire.Operation) error
}

// Server serves the /rpc and /health endpoints on the inter-node port.
type Server struct {
	NodeID     string
	Dispatcher Dispatcher
	Codec      *wire.Codec

	httpServer *http.Server
}

// NewServer builds an rpc.Server bound to addr. Call Start to begin serving.
func NewServer(addr, nodeID string, dispatcher Dispatcher) *Server {
	s := &Server{
		NodeID:     nodeID,
		Dispatcher: dispatcher,
		Codec:      wire.NewCodec(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background. ListenAndServe errors other than
// the expected shutdown error are returned on errCh.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire.Health{Status: "ok", NodeID: s.NodeID})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.Codec.MaxFrameBytes)+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("rpc: reading body: %w", err))
		return
	}

	env, err := s.Codec.DecodeEnvelope(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, status, err := s.dispatch(env)
	if err != nil {
		s.writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire.EnvelopeReply{Payload: payload})
}

func (s *Server) dispatch(env wire.Envelope) (json.RawMessage, int, error) {
	switch env.Type {
	case wire.RPCRequestVote:
		var args wire.RequestVoteArgs
		if err := wire.DecodePayload(env.Payload, &args); err != nil {
			return nil, http.StatusBadRequest, err
		}
		reply, err := s.Dispatcher.RequestVote(env.RoomCode, args)
		if err != nil {
			return nil, http.StatusNotFound, err
		}
		raw, _ := json.Marshal(reply)
		return raw, http.StatusOK, nil

	case wire.RPCAppendEntries:
		var args wire.AppendEntriesArgs
		if err := wire.DecodePayload(env.Payload, &args); err != nil {
			return nil, http.StatusBadRequest, err
		}
		reply, err := s.Dispatcher.AppendEntries(env.RoomCode, args)
		if err != nil {
			return nil, http.StatusNotFound, err
		}
		raw, _ := json.Marshal(reply)
		return raw, http.StatusOK, nil

	case wire.RPCCreateRoom:
		var args wire.CreateRoomArgs
		if err := wire.DecodePayload(env.Payload, &args); err != nil {
			return nil, http.StatusBadRequest, err
		}
		if err := s.Dispatcher.HandleCreateRoomRPC(args); err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return json.RawMessage(`{}`), http.StatusOK, nil

	default:
		// Any other type tag is a forwarded client operation — the leader
		// proposes it on the forwarder's behalf.
		var op wire.Operation
		if err := wire.DecodePayload(env.Payload, &op); err != nil {
			return nil, http.StatusBadRequest, err
		}
		op.Kind = wire.OpKind(env.Type)
		if err := s.Dispatcher.ForwardOperation(env.RoomCode, op); err != nil {
			return nil, http.StatusServiceUnavailable, err
		}
		return json.RawMessage(`{}`), http.StatusOK, nil
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	slog.Warn("rpc: request failed", "error", err, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.EnvelopeReply{Error: err.Error()})
}
