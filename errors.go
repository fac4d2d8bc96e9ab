package ts3full

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by FetchPacket once the connection has ended.
	ErrClosed = errors.New("connection closed")
	// ErrPacketTooLarge is returned for an oversized packet of a type that
	// can be neither compressed nor split.
	ErrPacketTooLarge = errors.New("packet too large")
	// ErrNotConnected is returned when a handler is used before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is reported when the server stopped acknowledging packets.
	ErrTimeout = errors.New("connection timed out")
	// ErrConnectionLost is reported after a socket failure.
	ErrConnectionLost = errors.New("connection lost")
)

// ServerErrorCode is an error number sent by a server, e.g. in an Init1 rejection.
type ServerErrorCode uint32

// Known server error codes
const (
	ErrorOK                      ServerErrorCode = 0x0
	ErrorUndefined               ServerErrorCode = 0x1
	ErrorNotImplemented          ServerErrorCode = 0x2
	ErrorLibTimeLimitReached     ServerErrorCode = 0x5
	ErrorCommandNotFound         ServerErrorCode = 0x100
	ErrorClientInvalidID         ServerErrorCode = 0x200
	ErrorClientNicknameInUse     ServerErrorCode = 0x201
	ErrorChannelInvalidID        ServerErrorCode = 0x300
	ErrorServerInvalidID         ServerErrorCode = 0x400
	ErrorServerRunning           ServerErrorCode = 0x401
	ErrorServerIsShuttingDown    ServerErrorCode = 0x402
	ErrorServerMaxClientsReached ServerErrorCode = 0x403
	ErrorServerInvalidPassword   ServerErrorCode = 0x404
	ErrorConnectFailedBanned     ServerErrorCode = 0xD01
)

var serverErrorNames = map[ServerErrorCode]string{
	ErrorOK:                      "ok",
	ErrorUndefined:               "undefined",
	ErrorNotImplemented:          "not_implemented",
	ErrorLibTimeLimitReached:     "lib_time_limit_reached",
	ErrorCommandNotFound:         "command_not_found",
	ErrorClientInvalidID:         "client_invalid_id",
	ErrorClientNicknameInUse:     "client_nickname_inuse",
	ErrorChannelInvalidID:        "channel_invalid_id",
	ErrorServerInvalidID:         "server_invalid_id",
	ErrorServerRunning:           "server_running",
	ErrorServerIsShuttingDown:    "server_is_shutting_down",
	ErrorServerMaxClientsReached: "server_maxclients_reached",
	ErrorServerInvalidPassword:   "server_invalid_password",
	ErrorConnectFailedBanned:     "connect_failed_banned",
}

// String returns the protocol name, or the hex code for unknown values.
func (c ServerErrorCode) String() string {
	if name, ok := serverErrorNames[c]; ok {
		return fmt.Sprintf("%s (%#x)", name, uint32(c))
	}
	return fmt.Sprintf("undefined error code %#x", uint32(c))
}

// MoveReason is why a client left a server or channel. The values match
// the reasonid field of the protocol.
type MoveReason int

const (
	MoveReasonUserAction MoveReason = iota
	MoveReasonUserOrChannelMoved
	MoveReasonSubscriptionChanged
	MoveReasonTimeout
	MoveReasonKickedFromChannel
	MoveReasonKickedFromServer
	MoveReasonBanned
	MoveReasonServerStopped
	MoveReasonLeftServer
	MoveReasonChannelUpdated
	MoveReasonServerOrChannelEdited
	MoveReasonServerShutdown
)

// Local reasons, never sent by servers.
const (
	// MoveReasonConnectionLost marks a socket failure.
	MoveReasonConnectionLost MoveReason = -1
	// MoveReasonHandshakeFailed marks a rejected or malformed connection setup.
	MoveReasonHandshakeFailed MoveReason = -2
)

func (r MoveReason) String() string {
	switch r {
	case MoveReasonUserAction:
		return "UserAction"
	case MoveReasonUserOrChannelMoved:
		return "UserOrChannelMoved"
	case MoveReasonSubscriptionChanged:
		return "SubscriptionChanged"
	case MoveReasonTimeout:
		return "Timeout"
	case MoveReasonKickedFromChannel:
		return "KickedFromChannel"
	case MoveReasonKickedFromServer:
		return "KickedFromServer"
	case MoveReasonBanned:
		return "Banned"
	case MoveReasonServerStopped:
		return "ServerStopped"
	case MoveReasonLeftServer:
		return "LeftServer"
	case MoveReasonChannelUpdated:
		return "ChannelUpdated"
	case MoveReasonServerOrChannelEdited:
		return "ServerOrChannelEdited"
	case MoveReasonServerShutdown:
		return "ServerShutdown"
	case MoveReasonConnectionLost:
		return "ConnectionLost"
	case MoveReasonHandshakeFailed:
		return "HandshakeFailed"
	default:
		return fmt.Sprintf("MoveReason(%d)", int(r))
	}
}

// CommandError is an error line ("error id=... msg=...") sent by the server.
type CommandError struct {
	ID      ServerErrorCode
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.ID, e.Message)
}
