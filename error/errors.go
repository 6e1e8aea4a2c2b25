package error

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type DBerror struct {
	Msg       string `json:"message"`
	ErrorCode int    `json:"code"`
}

func (dbError DBerror) Error() string {
	return dbError.Msg
}

func (dbError DBerror) Code() int {
	return dbError.ErrorCode
}

func (dbError DBerror) JSON() []byte {
	json, _ := json.Marshal(dbError)

	return json
}

const (
	eCONFIGURATION     = iota
	eAVAILABILITY      = iota
	eSTATE_TRANSFER    = iota
	eCORRUPT_STATE     = iota
	eNO_SUCH_MEMBER    = iota
	eTRANSFER_CANCELED = iota
	eSTALE_TOPOLOGY    = iota
	eSTOPPED           = iota
)

var (
	EConfiguration     = DBerror{"The cache configuration is invalid", eCONFIGURATION}
	EAvailability      = DBerror{"The operation was rejected because the cache is degraded", eAVAILABILITY}
	EStateTransfer     = DBerror{"State transfer exhausted its retries", eSTATE_TRANSFER}
	ECorruptState      = DBerror{"The persisted consistent hash state is unreadable", eCORRUPT_STATE}
	ENoSuchMember      = DBerror{"The target member is not part of the current view", eNO_SUCH_MEMBER}
	ETransferCancelled = DBerror{"The state transfer was superseded by a newer topology", eTRANSFER_CANCELED}
	EStaleTopology     = DBerror{"The topology is older than the one already applied", eSTALE_TOPOLOGY}
	EStopped           = DBerror{"The component has been stopped", eSTOPPED}
)

// ConfigurationError is fatal and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func NewConfigurationError(field string, format string, args ...interface{}) ConfigurationError {
	return ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", EConfiguration.Msg, e.Field, e.Reason)
}

func (e ConfigurationError) Unwrap() error {
	return EConfiguration
}

type AvailabilityError struct {
	Operation string
	Segment   uint64
	Reason    string
}

func (e AvailabilityError) Error() string {
	return fmt.Sprintf("%s: %s on segment %d: %s", EAvailability.Msg, e.Operation, e.Segment, e.Reason)
}

func (e AvailabilityError) Unwrap() error {
	return EAvailability
}

// StateTransferError lists the segments that stayed pending after
// retries were exhausted. Segments not listed were committed.
type StateTransferError struct {
	TopologyID uint64
	Segments   []uint64
	Cause      error
}

func (e StateTransferError) Error() string {
	segments := make([]string, len(e.Segments))

	for i, segment := range e.Segments {
		segments[i] = fmt.Sprintf("%d", segment)
	}

	msg := fmt.Sprintf("%s: topology %d segments [%s]", EStateTransfer.Msg, e.TopologyID, strings.Join(segments, ","))

	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

func (e StateTransferError) Unwrap() []error {
	if e.Cause == nil {
		return []error{EStateTransfer}
	}

	return []error{EStateTransfer, e.Cause}
}

type CorruptStateError struct {
	Scope  string
	Reason string
}

func NewCorruptStateError(scope string, format string, args ...interface{}) CorruptStateError {
	return CorruptStateError{Scope: scope, Reason: fmt.Sprintf(format, args...)}
}

func (e CorruptStateError) Error() string {
	return fmt.Sprintf("%s: scope %q: %s", ECorruptState.Msg, e.Scope, e.Reason)
}

func (e CorruptStateError) Unwrap() error {
	return ECorruptState
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, EConfiguration)
}

func IsAvailabilityError(err error) bool {
	return errors.Is(err, EAvailability)
}

func IsStateTransferError(err error) bool {
	return errors.Is(err, EStateTransfer)
}

func IsCorruptStateError(err error) bool {
	return errors.Is(err, ECorruptState)
}
