package engine

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Key token layout, hex characters. The configuration hash is already a
// fixed-width hex digest, so the token is a plain concatenation of
// fixed-width fields with no delimiter to collide with.
const (
	hashTokenLen     = 64 // sha256 hex
	uuidTokenLen     = 32 // 16 raw bytes hex
	cycleTokenLen    = 16 // uint64 big endian hex
	instanceTokenLen = hashTokenLen + 2*uuidTokenLen
	// execution token: instance token + activity id + execution id + cycle
	executionTokenLen = instanceTokenLen + 2*uuidTokenLen + cycleTokenLen
)

// PipelineInstanceKey identifies one running pipeline instance, pinned to
// the configuration version it started under.
type PipelineInstanceKey struct {
	Hash       string    `json:"hash"`
	PipelineID uuid.UUID `json:"pipelineId"`
	InstanceID uuid.UUID `json:"instanceId"`
}

// Token renders the key as an opaque fixed-width correlation token.
func (k PipelineInstanceKey) Token() string {
	return k.Hash + hex.EncodeToString(k.PipelineID[:]) + hex.EncodeToString(k.InstanceID[:])
}

func (k PipelineInstanceKey) String() string {
	return fmt.Sprintf("%s/%s", k.PipelineID, k.InstanceID)
}

// ParsePipelineInstanceToken reverses PipelineInstanceKey.Token.
func ParsePipelineInstanceToken(token string) (PipelineInstanceKey, error) {
	if len(token) != instanceTokenLen {
		return PipelineInstanceKey{}, fmt.Errorf("pipeline instance token must be %d characters, got %d", instanceTokenLen, len(token))
	}
	hash := token[:hashTokenLen]
	if _, err := hex.DecodeString(hash); err != nil {
		return PipelineInstanceKey{}, fmt.Errorf("pipeline instance token hash segment: %w", err)
	}
	pipelineID, err := uuidFromHex(token[hashTokenLen : hashTokenLen+uuidTokenLen])
	if err != nil {
		return PipelineInstanceKey{}, fmt.Errorf("pipeline instance token pipeline segment: %w", err)
	}
	instanceID, err := uuidFromHex(token[hashTokenLen+uuidTokenLen:])
	if err != nil {
		return PipelineInstanceKey{}, fmt.Errorf("pipeline instance token instance segment: %w", err)
	}
	return PipelineInstanceKey{Hash: hash, PipelineID: pipelineID, InstanceID: instanceID}, nil
}

// ActivityExecutionKey identifies one dispatch attempt of one activity slot.
// It is handed to external executors as the correlation token they must echo
// back when ending the activity.
type ActivityExecutionKey struct {
	Instance    PipelineInstanceKey `json:"instance"`
	ActivityID  uuid.UUID           `json:"activityId"`
	ExecutionID uuid.UUID           `json:"executionId"`
	Cycle       int                 `json:"cycle"`
}

// Token renders the key as an opaque fixed-width correlation token.
func (k ActivityExecutionKey) Token() string {
	var cycle [8]byte
	binary.BigEndian.PutUint64(cycle[:], uint64(k.Cycle))
	return k.Instance.Token() +
		hex.EncodeToString(k.ActivityID[:]) +
		hex.EncodeToString(k.ExecutionID[:]) +
		hex.EncodeToString(cycle[:])
}

func (k ActivityExecutionKey) String() string {
	return fmt.Sprintf("%s/%s/%s#%d", k.Instance, k.ActivityID, k.ExecutionID, k.Cycle)
}

// ParseActivityExecutionToken reverses ActivityExecutionKey.Token.
func ParseActivityExecutionToken(token string) (ActivityExecutionKey, error) {
	if len(token) != executionTokenLen {
		return ActivityExecutionKey{}, fmt.Errorf("activity execution token must be %d characters, got %d", executionTokenLen, len(token))
	}
	instance, err := ParsePipelineInstanceToken(token[:instanceTokenLen])
	if err != nil {
		return ActivityExecutionKey{}, err
	}
	rest := token[instanceTokenLen:]
	activityID, err := uuidFromHex(rest[:uuidTokenLen])
	if err != nil {
		return ActivityExecutionKey{}, fmt.Errorf("activity execution token activity segment: %w", err)
	}
	executionID, err := uuidFromHex(rest[uuidTokenLen : 2*uuidTokenLen])
	if err != nil {
		return ActivityExecutionKey{}, fmt.Errorf("activity execution token execution segment: %w", err)
	}
	cycleBytes, err := hex.DecodeString(rest[2*uuidTokenLen:])
	if err != nil {
		return ActivityExecutionKey{}, fmt.Errorf("activity execution token cycle segment: %w", err)
	}
	return ActivityExecutionKey{
		Instance:    instance,
		ActivityID:  activityID,
		ExecutionID: executionID,
		Cycle:       int(binary.BigEndian.Uint64(cycleBytes)),
	}, nil
}

func uuidFromHex(s string) (uuid.UUID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(raw)
}
