package credentials

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

type AuthType string

const (
	AuthHTTPSignature AuthType = "http_signature"
	AuthJWT           AuthType = "jwt"
)

// Credentials is the merchant material for one gateway environment.
type Credentials struct {
	MerchantID string   `json:"merchantId" validate:"required"`
	AuthType   AuthType `json:"authType" validate:"required,oneof=http_signature jwt"`
	// KeyID and SharedSecret (base64) sign http_signature requests.
	KeyID        string `json:"keyId" validate:"required_if=AuthType http_signature"`
	SharedSecret string `json:"sharedSecret" validate:"required_if=AuthType http_signature"`
	// PrivateKeyPEM and CertificateSerial sign jwt requests.
	PrivateKeyPEM     string `json:"privateKey" validate:"required_if=AuthType jwt"`
	CertificateSerial string `json:"certificateSerial" validate:"required_if=AuthType jwt"`
}

// Store resolves credentials by environment name.
type Store interface {
	Credentials(ctx context.Context, env models.Environment) (*Credentials, error)
}

var validate = validator.New()

func (c *Credentials) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid gateway credentials: %w", err)
	}
	return nil
}

// StaticStore serves a fixed set of credentials, typically loaded from the
// process environment.
type StaticStore map[models.Environment]*Credentials

func (s StaticStore) Credentials(_ context.Context, env models.Environment) (*Credentials, error) {
	c, ok := s[env.Canonical()]
	if !ok || c == nil {
		return nil, fmt.Errorf("no gateway credentials for environment %s", env.Canonical())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
