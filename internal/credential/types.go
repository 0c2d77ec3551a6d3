package credential

import (
	"encoding/json"
	"errors"
)

// Origin tells whether a credential came from the configured source or was
// added at runtime.
type Origin string

const (
	OriginPermanent Origin = "permanent"
	OriginTemporary Origin = "temporary"
)

// Credential is an opaque login payload identified by a positive index.
type Credential struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"-"`
	Origin  Origin          `json:"origin"`
}

// AccountDetail is the dashboard view of an available credential. Source is
// "temporary" for runtime additions and the source mode otherwise.
type AccountDetail struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
}

var (
	ErrEmptyPool          = errors.New("no valid credential source found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrInvalidIndex       = errors.New("index must be a positive number")
	ErrIndexExists        = errors.New("index already exists")
	ErrInvalidPayload     = errors.New("credential payload is not a JSON object")
	ErrNotTemporary       = errors.New("index is not a temporary credential")
)
