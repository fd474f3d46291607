package chatsync

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSendFailed           = errors.New("failed to send message")
	ErrEngineStopped        = errors.New("engine stopped")
)
