package gateway

import (
	"encoding/json"
	"fmt"
)

// Opcode tags every payload exchanged with the gateway.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatACK        Opcode = 11
)

// payload is the wire envelope for every gateway message. Data stays raw
// until the opcode decides its shape.
type payload struct {
	Op   Opcode          `json:"op"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          ShardID            `json:"shard"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ShardID identifies one shard as (index, total count). The count is fixed
// for the process lifetime.
type ShardID struct {
	Index int
	Count int
}

func (s ShardID) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.Count)
}

// MarshalJSON encodes the shard as the two-element array the identify
// payload expects.
func (s ShardID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Index, s.Count})
}

func (s *ShardID) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	s.Index, s.Count = pair[0], pair[1]
	return nil
}

// Event is a dispatched application event surfaced to the caller.
type Event struct {
	Shard ShardID
	Seq   int64
	Type  string
	Data  json.RawMessage
}

// Gateway close codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// isFatalCloseCode reports whether a close code is a permanent rejection.
// Reconnecting cannot help for these; the shard shuts down.
func isFatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}

// canResumeCloseCode reports whether the session survives a close with the
// given code. Invalid-sequence and session-timeout closes force a fresh
// identify.
func canResumeCloseCode(code int) bool {
	switch code {
	case CloseInvalidSeq, CloseSessionTimedOut:
		return false
	}
	return !isFatalCloseCode(code)
}
