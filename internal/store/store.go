package store

import (
	"errors"

	"github.com/yourorg/rerunner/pkg/types"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	PutCredential(c *types.Credential) error
	GetCredential(userID string) (*types.Credential, error)
	ListCredentials() ([]types.Credential, error)
	DeleteCredential(userID string) error

	Close() error
}
