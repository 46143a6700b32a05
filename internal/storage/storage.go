package storage

import (
	"context"

	"github.com/bcnelson/hunt-foreman/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use and provide
// read-after-write consistency on a single key.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Hunts
	CreateHunt(ctx context.Context, hunt *domain.Hunt) error
	GetHunt(ctx context.Context, id string) (*domain.Hunt, error)
	ListHunts(ctx context.Context, filter domain.HuntListFilter) ([]*domain.Hunt, error)
	UpdateHunt(ctx context.Context, hunt *domain.Hunt) error

	// Rules. ListRules returns rules in installation order.
	CreateRule(ctx context.Context, rule *domain.Rule) error
	GetRule(ctx context.Context, id string) (*domain.Rule, error)
	ListRules(ctx context.Context) ([]*domain.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	// Processed markers. CreateProcessedMarker returns domain.ErrAlreadyExists
	// when the (rule, endpoint) pair is already marked.
	CreateProcessedMarker(ctx context.Context, marker *domain.ProcessedMarker) error
	ListProcessedMarkers(ctx context.Context, ruleID string) ([]*domain.ProcessedMarker, error)
	CountProcessedMarkers(ctx context.Context, ruleID string) (int, error)
	DeleteProcessedMarkers(ctx context.Context, ruleID string) error

	// Approval requests
	CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, filter domain.ApprovalListFilter) ([]*domain.ApprovalRequest, error)
	UpdateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error

	// Endpoints
	UpsertEndpoint(ctx context.Context, endpoint *domain.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error)

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}
