package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsForbiddenKey(t *testing.T) {
	tests := []struct {
		key       string
		forbidden bool
	}{
		{"v1n_id", true},
		{"CELL_CONNECT", true},
		{"mqtt_topic_mode", true},
		{"run_x", true},
		{"seen_op-1", true},
		{"bus_status", true},
		{"pin_demo", true},
		{"relay_inbox", true},
		{"FOO_CONNECT", true},
		{"orders_inbox", true},
		{"title", false},
		{"runner", false},
		{"inbox_count", false},
		{"data_type", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.forbidden, IsForbiddenKey(tt.key))
		})
	}
}

func TestTriggerName(t *testing.T) {
	name, ok := TriggerName("run_sum")
	assert.True(t, ok)
	assert.Equal(t, "sum", name)

	_, ok = TriggerName("run_")
	assert.False(t, ok)

	_, ok = TriggerName("title")
	assert.False(t, ok)

	assert.Equal(t, "run_sum", TriggerKey("sum"))
}

func TestTagPredicates(t *testing.T) {
	for _, tag := range []string{TagStr, TagInt, TagBool, TagJSON} {
		assert.True(t, IsValueTag(tag), tag)
		assert.False(t, IsControlTag(tag), tag)
	}
	for _, tag := range []string{TagFunction, TagPinIn, TagPinOut, TagMgmtIn, TagMgmtOut, TagCellConnect} {
		assert.True(t, IsControlTag(tag), tag)
		assert.False(t, IsValueTag(tag), tag)
	}
	assert.True(t, IsMailboxStateKey(KeyMailboxLastOpID))
	assert.False(t, IsMailboxStateKey("title"))
}
