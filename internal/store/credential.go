package store

import "context"

type Credential struct {
	CredentialID      int64  `json:"credential_id"`
	Username          string `json:"username"`
	Description       string `json:"description"`
	SSHPrivateKeyHash string `json:"-"`

	SSHPrivateKey []byte `json:"-"`
}

type CredentialStore interface {
	CreateCredential(context.Context, string, string, string) (*Credential, error)
	ReadCredentialByID(context.Context, int64) (*Credential, error)
	UpdateCredential(context.Context, int64, string, string) error
	DeleteCredential(context.Context, int64) error
	ListCredentials(context.Context) ([]*Credential, error)
}
