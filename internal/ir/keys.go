package ir

import "strings"

// Reserved model ids.
const (
	RootModelID    = 0
	MailboxModelID = -1
	SystemModelID  = -10
)

// ModelTypeData is the model type that receives init_type on its first
// data_type write.
const ModelTypeData = "Data"

// Well-known cells.
var (
	// OriginCell holds per-model configuration and markers.
	OriginCell = Coord{P: 0, R: 0, C: 0}

	// MailboxCell holds the command slot on the mailbox model.
	MailboxCell = Coord{P: 0, R: 0, C: 1}

	// PinRegistryCell holds PIN_IN/PIN_OUT declarations on every model.
	PinRegistryCell = Coord{P: 0, R: 0, C: 1}

	// PinMailboxCell holds IN/OUT pin traffic on every model.
	PinMailboxCell = Coord{P: 0, R: 0, C: 2}

	// BridgeCell holds the bridge inboxes and triggers on the system model.
	BridgeCell = Coord{P: 0, R: 0, C: 0}

	// SeenCell holds seen_<op_id> markers for relay to bus traffic. Worker
	// models keep their own markers in the same cell of their model.
	SeenCell = Coord{P: 0, R: 1, C: 0}

	// SeenInboundCell holds seen_<op_id> markers for bus to relay traffic.
	// A round trip reuses the op id, so the two directions are kept apart.
	SeenInboundCell = Coord{P: 0, R: 1, C: 1}
)

// Reserved label keys.
const (
	KeyMailboxSlot     = "ui_event"
	KeyMailboxError    = "ui_event_error"
	KeyMailboxLastOpID = "ui_event_last_op_id"

	KeyV1NID    = "v1n_id"
	KeyDataType = "data_type"

	KeyCellConnect  = "CELL_CONNECT"
	KeyModelConnect = "MODEL_CONNECT"
	KeyV1NConnect   = "V1N_CONNECT"

	KeyTopicMode   = "mqtt_topic_mode"
	KeyTopicPrefix = "mqtt_topic_prefix"
	KeyTopicBase   = "mqtt_topic_base"
	KeyPayloadMode = "mqtt_payload_mode"

	KeyRelayInbox  = "relay_inbox"
	KeyBusInbox    = "bus_inbox"
	KeyBusStatus   = "bus_status"
	KeyRelayStatus = "relay_status"
)

// Key prefixes.
const (
	TriggerPrefix    = "run_"
	SeenPrefix       = "seen_"
	ErrorLabelPrefix = "error_"
)

// Label tags.
const (
	TagFunction     = "function"
	TagEvent        = "event"
	TagPinIn        = "PIN_IN"
	TagPinOut       = "PIN_OUT"
	TagIn           = "IN"
	TagOut          = "OUT"
	TagMgmtIn       = "MGMT_IN"
	TagMgmtOut      = "MGMT_OUT"
	TagConnect      = "connect"
	TagCellConnect  = "CELL_CONNECT"
	TagModelConnect = "MODEL_CONNECT"
	TagV1NConnect   = "V1N_CONNECT"

	TagStr  = "str"
	TagInt  = "int"
	TagBool = "bool"
	TagJSON = "json"
)

// Topic and payload modes selectable through the root config labels.
const (
	TopicModeFlat         = "flat"
	TopicModeHierarchical = "hierarchical"

	PayloadModeLegacy    = "legacy"
	PayloadModeVersioned = "versioned"
)

// Pin names used by the bus bridge convention.
const (
	PinPatchIn  = "patch_in"
	PinEventIn  = "event_in"
	PinPatchOut = "patch_out"
)

// TriggerKey returns the trigger key for a function name.
func TriggerKey(name string) string {
	return TriggerPrefix + name
}

// TriggerName returns the function name addressed by a trigger key.
func TriggerName(k string) (string, bool) {
	if !strings.HasPrefix(k, TriggerPrefix) || len(k) == len(TriggerPrefix) {
		return "", false
	}
	return k[len(TriggerPrefix):], true
}

// SeenKey returns the seen marker key for an op id.
func SeenKey(opID string) string {
	return SeenPrefix + opID
}

// ErrorLabelKey returns the diagnostic label key for a function name.
func ErrorLabelKey(name string) string {
	return ErrorLabelPrefix + name
}

var forbiddenExact = map[string]bool{
	KeyV1NID:        true,
	KeyCellConnect:  true,
	KeyModelConnect: true,
	KeyV1NConnect:   true,
	KeyTopicMode:    true,
	KeyTopicPrefix:  true,
	KeyTopicBase:    true,
	KeyPayloadMode:  true,
}

var forbiddenPrefixes = []string{TriggerPrefix, SeenPrefix, "mqtt_", "bus_", "pin_", "relay_"}

var forbiddenSuffixes = []string{"_CONNECT", "_inbox"}

// IsForbiddenKey reports whether k belongs to the control plane: pins,
// bus wiring, triggers, seen markers and connection markers. Such keys can
// not be written by commands and are never removed by a bulk clear.
func IsForbiddenKey(k string) bool {
	if forbiddenExact[k] {
		return true
	}
	for _, p := range forbiddenPrefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	for _, s := range forbiddenSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// IsMailboxStateKey reports whether k is one of the mailbox bookkeeping keys.
func IsMailboxStateKey(k string) bool {
	switch k {
	case KeyMailboxSlot, KeyMailboxError, KeyMailboxLastOpID:
		return true
	}
	return false
}

// IsControlTag reports whether t marks a control-plane label.
func IsControlTag(t string) bool {
	switch t {
	case TagFunction, TagPinIn, TagPinOut, TagMgmtIn, TagMgmtOut,
		TagConnect, TagCellConnect, TagModelConnect, TagV1NConnect:
		return true
	}
	return false
}

// IsValueTag reports whether t is one of the ordinary value tags accepted
// from command producers.
func IsValueTag(t string) bool {
	switch t {
	case TagStr, TagInt, TagBool, TagJSON:
		return true
	}
	return false
}

// IsReservedModel reports whether id belongs to a meta model.
func IsReservedModel(id int) bool {
	return id < 0
}
