// Package store provides persistence for the user directory and call records.
package store

import (
	"context"

	"github.com/ashureev/callrelay/internal/domain"
)

// UserDirectory resolves callable identities.
type UserDirectory interface {
	// GetUser returns domain.ErrNotFound when the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UserExists reports whether userID is in the directory.
	UserExists(ctx context.Context, userID string) (bool, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// ListUsers returns every user ordered by user ID.
	ListUsers(ctx context.Context) ([]*domain.User, error)
}

// CallRecordStore keeps the durable audit trail of calls.
type CallRecordStore interface {
	// CreateCall inserts an ongoing call with a fresh ID.
	CreateCall(ctx context.Context, callerID, receiverID string) (*domain.CallRecord, error)

	// EndCall closes an ongoing call with the given final status. Ending a
	// call that is already closed returns it unchanged.
	EndCall(ctx context.Context, callID string, status domain.CallStatus) (*domain.CallRecord, error)

	// GetCall returns domain.ErrNotFound when the call does not exist.
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)

	// ListUserCalls returns the user's calls, newest first.
	ListUserCalls(ctx context.Context, userID string, limit int) ([]*domain.CallRecord, error)

	// ListActiveCalls returns every ongoing call, newest first.
	ListActiveCalls(ctx context.Context) ([]*domain.CallRecord, error)
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	UserDirectory
	CallRecordStore

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
