package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kartikbazzad/bunroom/internal/apperrors"
	"github.com/kartikbazzad/bunroom/internal/rsm"
	"github.com/kartikbazzad/bunroom/internal/wire"
)

// createHandshakeTimeout bounds how long ROOM_CREATE waits for peers to ack
// the cluster create-room handshake before proceeding anyway — a slow or
// unreachable peer must not block the creator from using their own room.
// A peer that never received the handshake has no group for the room and
// answers its AppendEntries with a not-found error.
const createHandshakeTimeout = 1 * time.Second

// firstLeaderTimeout bounds how long ROOM_CREATE waits for the freshly
// started Raft group to elect a leader before proposing ROOM_CREATE.
const firstLeaderTimeout = 2 * time.Second

// dispatch routes one decoded client frame to its handler.
// Unknown types and malformed payloads are validation errors: the session
// stays open and the client gets an ERROR frame.
func (gw *Gateway) dispatch(session *Session, frame wire.ClientFrame) {
	switch frame.Type {
	case wire.ClientRoomCreate:
		gw.handleRoomCreate(session, frame)
	case wire.ClientRoomJoin:
		gw.handleRoomJoin(session, frame)
	case wire.ClientRoomLeave:
		gw.handleRoomLeave(session, frame)
	case wire.ClientPlaybackPlay:
		gw.handlePlaybackPlay(session, frame)
	case wire.ClientPlaybackPause:
		gw.handlePlaybackPause(session, frame)
	case wire.ClientPlaybackSeek:
		gw.handlePlaybackSeek(session, frame)
	case wire.ClientPlaylistAdd:
		gw.handlePlaylistAdd(session, frame)
	case wire.ClientPlaylistRemove:
		gw.handlePlaylistRemove(session, frame)
	case wire.ClientChatMessage:
		gw.handleChatMessage(session, frame)
	default:
		gw.sendError(session, "", "unknown message type: "+frame.Type, "")
	}
}

type roomCreatePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// handleRoomCreate generates a fresh room code, fans the cluster create-room
// handshake out to every peer, binds the session, proposes the seeding
// ROOM_CREATE operation once a leader exists, and replies with the
// resulting snapshot.
func (gw *Gateway) handleRoomCreate(session *Session, frame wire.ClientFrame) {
	var payload roomCreatePayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	if payload.UserID == "" {
		gw.sendError(session, "", "userId is required", "")
		return
	}

	var code string
	for attempt := 0; attempt < 10; attempt++ {
		candidate, err := generateRoomCode()
		if err != nil {
			gw.sendError(session, "", "failed to generate room code", "")
			return
		}
		if !gw.reg.Has(candidate) {
			code = candidate
			break
		}
	}
	if code == "" {
		gw.sendError(session, "", "could not allocate a unique room code", "")
		return
	}

	if _, err := gw.reg.CreateRoom(code); err != nil {
		gw.sendError(session, code, err.Error(), "")
		return
	}
	gw.fanOutCreateRoomHandshake(code, payload.UserID, payload.Username)

	session.setIdentity(payload.UserID, payload.Username)
	gw.subscribe(code, session)

	op := wire.Operation{
		Kind:            wire.OpRoomCreate,
		OriginUserID:    payload.UserID,
		SubmitTimestamp: nowMillis(),
		Payload:         wire.OperationPayload{UserID: payload.UserID, Username: payload.Username},
	}
	if err := gw.proposeAwaitingLeader(code, op, firstLeaderTimeout); err != nil {
		gw.sendError(session, code, "failed to create room: "+errMessage(err), "")
		return
	}

	room, ok := gw.reg.GetForRead(code)
	if !ok {
		gw.sendError(session, code, "room vanished after creation", "")
		return
	}
	gw.replyRoomState(session, wire.ServerRoomCreated, code, room.Snapshot())
}

// fanOutCreateRoomHandshake sends the non-Raft CREATE_ROOM RPC to every
// peer, bounded by createHandshakeTimeout so a slow peer
// can't stall the creator.
func (gw *Gateway) fanOutCreateRoomHandshake(code, creatorUserID, creatorUsername string) {
	args := wire.CreateRoomArgs{RoomCode: code, CreatorUserID: creatorUserID, CreatorUsername: creatorUsername}
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, peerID := range gw.PeerIDs {
			if peerID == gw.NodeID {
				continue
			}
			wg.Add(1)
			go func(peerID string) {
				defer wg.Done()
				if err := gw.rpc.SendCreateRoom(peerID, args); err != nil {
					slog.Warn("gateway: create-room handshake failed", "peer", peerID, "room", code, "error", err)
				}
			}(peerID)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(createHandshakeTimeout):
		slog.Warn("gateway: create-room handshake timed out, proceeding anyway", "room", code)
	}
}

type roomJoinPayload struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (gw *Gateway) handleRoomJoin(session *Session, frame wire.ClientFrame) {
	var payload roomJoinPayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	code := wire.NormalizeRoomCode(payload.RoomCode)
	if !wire.ValidRoomCode(code) {
		gw.sendError(session, code, "malformed room code", "")
		return
	}
	if !gw.reg.Has(code) {
		gw.sendError(session, code, "Room not found", "")
		return
	}

	session.setIdentity(payload.UserID, payload.Username)
	gw.subscribe(code, session)

	op := wire.Operation{
		Kind:            wire.OpRoomJoin,
		OriginUserID:    payload.UserID,
		SubmitTimestamp: nowMillis(),
		Payload:         wire.OperationPayload{UserID: payload.UserID, Username: payload.Username},
	}
	if err := gw.propose(code, op); err != nil {
		gw.unsubscribe(code, session.ID)
		gw.sendError(session, code, errMessage(err), "")
		return
	}

	room, ok := gw.reg.GetForRead(code)
	if !ok {
		gw.sendError(session, code, "room vanished after join", "")
		return
	}
	gw.replyRoomState(session, wire.ServerRoomJoined, code, room.Snapshot())
}

type roomLeavePayload struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
}

func (gw *Gateway) handleRoomLeave(session *Session, frame wire.ClientFrame) {
	var payload roomLeavePayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	code := wire.NormalizeRoomCode(payload.RoomCode)
	op := wire.Operation{Kind: wire.OpRoomLeave, OriginUserID: payload.UserID, SubmitTimestamp: nowMillis()}
	if err := gw.propose(code, op); err != nil {
		gw.sendError(session, code, errMessage(err), "")
		return
	}
	gw.unsubscribe(code, session.ID)
	session.unbind()

	data, err := gw.codec.EncodeClientFrame(wire.ServerRoomLeft, map[string]string{"roomCode": code})
	if err == nil {
		session.sendCritical(data)
	}
}

type playbackPlayPayload struct {
	RoomCode        string  `json:"roomCode"`
	VideoID         string  `json:"videoId"`
	PositionSeconds float64 `json:"positionSeconds"`
}

func (gw *Gateway) handlePlaybackPlay(session *Session, frame wire.ClientFrame) {
	var payload playbackPlayPayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	op := wire.Operation{
		Kind:            wire.OpPlaybackPlay,
		OriginUserID:    session.UserID(),
		SubmitTimestamp: nowMillis(),
		Payload:         wire.OperationPayload{VideoID: payload.VideoID, PositionSeconds: payload.PositionSeconds},
	}
	gw.proposeOrError(session, payload.RoomCode, op)
}

type playbackPausePayload struct {
	RoomCode        string  `json:"roomCode"`
	PositionSeconds float64 `json:"positionSeconds"`
}

func (gw *Gateway) handlePlaybackPause(session *Session, frame wire.ClientFrame) {
	var payload playbackPausePayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	op := wire.Operation{
		Kind:            wire.OpPlaybackPause,
		OriginUserID:    session.UserID(),
		SubmitTimestamp: nowMillis(),
		Payload:         wire.OperationPayload{PositionSeconds: payload.PositionSeconds},
	}
	gw.proposeOrError(session, payload.RoomCode, op)
}

type playbackSeekPayload struct {
	RoomCode           string  `json:"roomCode"`
	NewPositionSeconds float64 `json:"newPositionSeconds"`
}

func (gw *Gateway) handlePlaybackSeek(session *Session, frame wire.ClientFrame) {
	var payload playbackSeekPayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	op := wire.Operation{
		Kind:            wire.OpPlaybackSeek,
		OriginUserID:    session.UserID(),
		SubmitTimestamp: nowMillis(),
		Payload:         wire.OperationPayload{NewPositionSeconds: payload.NewPositionSeconds},
	}
	gw.proposeOrError(session, payload.RoomCode, op)
}

type playlistAddPayload struct {
	RoomCode         string `json:"roomCode"`
	VideoID          string `json:"videoId"`
	Title            string `json:"title"`
	UserID           string `json:"userId"`
	Username         string `json:"username"`
	NewVideoPosition int    `json:"newVideoPosition"`
}

func (gw *Gateway) handlePlaylistAdd(session *Session, frame wire.ClientFrame) {
	var payload playlistAddPayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	op := wire.Operation{
		Kind:            wire.OpPlaylistAdd,
		OriginUserID:    session.UserID(),
		SubmitTimestamp: nowMillis(),
		Payload: wire.OperationPayload{
			VideoID:          payload.VideoID,
			Title:            payload.Title,
			NewVideoPosition: payload.NewVideoPosition,
		},
	}
	gw.proposeOrError(session, payload.RoomCode, op)
}

type playlistRemovePayload struct {
	RoomCode             string `json:"roomCode"`
	VideoID              string `json:"videoId"`
	RemovedVideoPosition int    `json:"removedVideoPosition"`
}

func (gw *Gateway) handlePlaylistRemove(session *Session, frame wire.ClientFrame) {
	var payload playlistRemovePayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	op := wire.Operation{
		Kind:            wire.OpPlaylistRemove,
		OriginUserID:    session.UserID(),
		SubmitTimestamp: nowMillis(),
		Payload: wire.OperationPayload{
			VideoID:              payload.VideoID,
			RemovedVideoPosition: payload.RemovedVideoPosition,
		},
	}
	gw.proposeOrError(session, payload.RoomCode, op)
}

// chatMessagePayload carries userId/username/timestamp on the wire, but the
// operation's origin is always the session's bound identity and the
// timestamp is re-stamped by the leader — the client-supplied values are
// advisory.
type chatMessagePayload struct {
	RoomCode    string `json:"roomCode"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	MessageText string `json:"messageText"`
	Timestamp   int64  `json:"timestamp"`
}

func (gw *Gateway) handleChatMessage(session *Session, frame wire.ClientFrame) {
	var payload chatMessagePayload
	if err := wire.DecodePayload(frame.Payload, &payload); err != nil {
		gw.sendError(session, "", err.Error(), "")
		return
	}
	if err := wire.ValidateChatText(payload.MessageText); err != nil {
		gw.sendError(session, payload.RoomCode, err.Error(), "")
		return
	}
	op := wire.Operation{
		Kind:            wire.OpChatMessage,
		OriginUserID:    session.UserID(),
		SubmitTimestamp: nowMillis(),
		Payload:         wire.OperationPayload{MessageText: payload.MessageText},
	}
	gw.proposeOrError(session, payload.RoomCode, op)
}

// proposeOrError is the common tail of every room-bound write handler:
// propose (or forward) the operation and report failure as an ERROR frame.
// Success produces no direct reply — the client's feedback is the next
// ROOM_STATE_UPDATE fanned out once the write commits.
func (gw *Gateway) proposeOrError(session *Session, rawRoomCode string, op wire.Operation) {
	code := wire.NormalizeRoomCode(rawRoomCode)
	if err := gw.propose(code, op); err != nil {
		gw.sendError(session, code, errMessage(err), "")
	}
}

func errMessage(err error) string {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return appErr.Message
	}
	return err.Error()
}

// replyRoomState sends a one-off ROOM_CREATED/ROOM_JOINED reply carrying the
// room's current snapshot, addressed only to the requesting session — every
// other subscriber learns of the change through the normal ROOM_STATE_UPDATE
// fanout once the same commit reaches onCommit.
func (gw *Gateway) replyRoomState(session *Session, msgType, roomCode string, state rsm.State) {
	data, err := gw.codec.EncodeClientFrame(msgType, stateUpdatePayload(roomCode, state))
	if err != nil {
		slog.Error("gateway: encode room state reply", "room", roomCode, "error", err)
		return
	}
	session.sendCritical(data)
}
