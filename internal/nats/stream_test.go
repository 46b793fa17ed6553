package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"chat_42", "chat.conv.chat_42"},
		{"group_7", "chat.conv.group_7"},
		{"session_abc", "chat.conv.session_abc"},
		{"user_9_management", "chat.user.9"},
		{"user_9", "chat.conv.user_9"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.key))
		})
	}
}
