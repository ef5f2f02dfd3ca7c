package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// User errors
	ErrUserNotFound = errors.New("user not found")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyMessage    = errors.New("message cannot be empty")
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidTarget   = errors.New("message needs exactly one of receiverId or chatRoomId")

	// Chat room errors
	ErrRoomNotFound   = errors.New("chat room not found")
	ErrNotRoomMember  = errors.New("user is not a member of the chat room")
	ErrAlreadyMember  = errors.New("user is already a member")
	ErrNotRoomCreator = errors.New("only the room creator can do that")

	// Relay errors
	ErrSenderMismatch = errors.New("senderId does not match the joined user")
)
