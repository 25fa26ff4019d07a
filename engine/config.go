package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ExecutionKind selects how a dispatched activity reaches its executor.
type ExecutionKind string

const (
	ExecutionKindDirect     ExecutionKind = "direct"
	ExecutionKindHTTP       ExecutionKind = "http"
	ExecutionKindEventTopic ExecutionKind = "eventTopic"
)

// InstructionKind selects the behavior of a pipeline step.
type InstructionKind string

const (
	InstructionKindActivity InstructionKind = "activity"
	InstructionKindCycle    InstructionKind = "cycle"
	InstructionKindGoTo     InstructionKind = "goTo"
)

// TriggerKind selects how an automatic pipeline starter decides to fire.
// Only the frequency timer is implemented; the other kinds are declared so
// configurations naming them fail loudly instead of silently doing nothing.
type TriggerKind string

const (
	TriggerKindFrequency TriggerKind = "frequency"
	TriggerKindAbsolute  TriggerKind = "absolute"
	TriggerKindEvent     TriggerKind = "event"
	TriggerKindPoll      TriggerKind = "poll"
)

// CommonConfigurations is the sparse SLA/retry settings block shared by the
// default, engine, pipeline and activity layers. Nil fields mean "not set at
// this layer" and are filled by the layer below during resolution.
type CommonConfigurations struct {
	PipelineSLASeconds    *int  `yaml:"pipelineSlaSeconds,omitempty" json:"pipelineSlaSeconds,omitempty"`
	ActivitySLASeconds    *int  `yaml:"activitySlaSeconds,omitempty" json:"activitySlaSeconds,omitempty"`
	ActivityTrySLASeconds *int  `yaml:"activityTrySlaSeconds,omitempty" json:"activityTrySlaSeconds,omitempty"`
	RetryOnSLAExpired     *bool `yaml:"retryOnSlaExpired,omitempty" json:"retryOnSlaExpired,omitempty"`
	RetryOnError          *bool `yaml:"retryOnError,omitempty" json:"retryOnError,omitempty"`
	MaxRetries            *int  `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	RetryDelaySeconds     *int  `yaml:"retryDelaySeconds,omitempty" json:"retryDelaySeconds,omitempty"`
}

// Override merges over on top of c, keeping each override value only when it
// is set. The receiver is not mutated.
func (c CommonConfigurations) Override(over *CommonConfigurations) CommonConfigurations {
	if over == nil {
		return c
	}
	out := c
	if over.PipelineSLASeconds != nil {
		out.PipelineSLASeconds = over.PipelineSLASeconds
	}
	if over.ActivitySLASeconds != nil {
		out.ActivitySLASeconds = over.ActivitySLASeconds
	}
	if over.ActivityTrySLASeconds != nil {
		out.ActivityTrySLASeconds = over.ActivityTrySLASeconds
	}
	if over.RetryOnSLAExpired != nil {
		out.RetryOnSLAExpired = over.RetryOnSLAExpired
	}
	if over.RetryOnError != nil {
		out.RetryOnError = over.RetryOnError
	}
	if over.MaxRetries != nil {
		out.MaxRetries = over.MaxRetries
	}
	if over.RetryDelaySeconds != nil {
		out.RetryDelaySeconds = over.RetryDelaySeconds
	}
	return out
}

// DefaultCommonConfigurations supplies every field, so any resolution chain
// starting here ends fully populated.
func DefaultCommonConfigurations() CommonConfigurations {
	return CommonConfigurations{
		PipelineSLASeconds:    intPtr(3600),
		ActivitySLASeconds:    intPtr(600),
		ActivityTrySLASeconds: intPtr(120),
		RetryOnSLAExpired:     boolPtr(true),
		RetryOnError:          boolPtr(false),
		MaxRetries:            intPtr(0),
		RetryDelaySeconds:     intPtr(0),
	}
}

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

// ActivityConfiguration is the user-authored description of one activity.
type ActivityConfiguration struct {
	Identifier  uuid.UUID     `yaml:"identifier" json:"identifier"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Disabled    bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Kind        ExecutionKind `yaml:"kind" json:"kind"`

	// Kind-specific addressing. Exactly one of these is meaningful.
	HandlerName string `yaml:"handlerName,omitempty" json:"handlerName,omitempty"`
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	Topic       string `yaml:"topic,omitempty" json:"topic,omitempty"`

	CommonConfigurations *CommonConfigurations `yaml:"commonConfigurations,omitempty" json:"commonConfigurations,omitempty"`
}

// InstructionConfiguration is one step of a pipeline. Activity steps carry a
// single activity identifier; cycle steps carry the cycle body. The cycle
// count fields are expressions: either integer literals or `{name}` tokens
// resolved against the instance data at evaluation time.
type InstructionConfiguration struct {
	OrderNumber     int             `yaml:"orderNumber" json:"orderNumber"`
	Kind            InstructionKind `yaml:"kind" json:"kind"`
	Activities      []uuid.UUID     `yaml:"activities" json:"activities"`
	NumberCycles    string          `yaml:"numberCycles,omitempty" json:"numberCycles,omitempty"`
	MaxNumberCycles string          `yaml:"maxNumberCycles,omitempty" json:"maxNumberCycles,omitempty"`
}

// TriggerConfiguration declares an automatic starter for a pipeline.
type TriggerConfiguration struct {
	Identifier           uuid.UUID   `yaml:"identifier" json:"identifier"`
	Kind                 TriggerKind `yaml:"kind" json:"kind"`
	FrequencySeconds     int         `yaml:"frequencySeconds,omitempty" json:"frequencySeconds,omitempty"`
	PreConditionActivity *uuid.UUID  `yaml:"preConditionActivity,omitempty" json:"preConditionActivity,omitempty"`
	PreConditionField    string      `yaml:"preConditionField,omitempty" json:"preConditionField,omitempty"`
}

// PipelineConfiguration is the user-authored description of one pipeline.
type PipelineConfiguration struct {
	Identifier   uuid.UUID                  `yaml:"identifier" json:"identifier"`
	Name         string                     `yaml:"name" json:"name"`
	Description  string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Disabled     bool                       `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Instructions []InstructionConfiguration `yaml:"instructions" json:"instructions"`
	Trigger      *TriggerConfiguration      `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	CommonConfigurations *CommonConfigurations `yaml:"commonConfigurations,omitempty" json:"commonConfigurations,omitempty"`
}

// configurationHash returns the content-addressed version identifier of a
// configuration: SHA-256 over its canonical JSON form, hex encoded.
// encoding/json serializes struct fields in declaration order and sorts map
// keys, so equal content always yields equal bytes.
func configurationHash(cfg any) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("serializing configuration for hashing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
