package gateway

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/credentials"
)

const headerMerchantID = "v-c-merchant-id"

// signer adds gateway authentication headers to an outbound request.
type signer interface {
	sign(req *http.Request, body []byte, now time.Time) error
}

func newSigner(c *credentials.Credentials) (signer, error) {
	switch c.AuthType {
	case credentials.AuthHTTPSignature:
		secret, err := base64.StdEncoding.DecodeString(c.SharedSecret)
		if err != nil {
			return nil, fmt.Errorf("decode shared secret: %w", err)
		}
		return &httpSignature{merchantID: c.MerchantID, keyID: c.KeyID, secret: secret}, nil
	case credentials.AuthJWT:
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return &jwtSigner{merchantID: c.MerchantID, serial: c.CertificateSerial, key: key}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", c.AuthType)
	}
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

type httpSignature struct {
	merchantID string
	keyID      string
	secret     []byte
}

func (s *httpSignature) sign(req *http.Request, body []byte, now time.Time) error {
	date := now.UTC().Format(http.TimeFormat)
	target := strings.ToLower(req.Method) + " " + req.URL.RequestURI()

	req.Header.Set("Date", date)
	req.Header.Set(headerMerchantID, s.merchantID)

	names := []string{"host", "date", "(request-target)"}
	lines := []string{
		"host: " + req.URL.Host,
		"date: " + date,
		"(request-target): " + target,
	}
	if hasBody(req.Method) {
		digest := "SHA-256=" + bodyDigest(body)
		req.Header.Set("Digest", digest)
		names = append(names, "digest")
		lines = append(lines, "digest: "+digest)
	}
	names = append(names, headerMerchantID)
	lines = append(lines, headerMerchantID+": "+s.merchantID)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Signature", fmt.Sprintf(`keyid="%s", algorithm="HmacSHA256", headers="%s", signature="%s"`,
		s.keyID, strings.Join(names, " "), signature))
	return nil
}

type jwtSigner struct {
	merchantID string
	serial     string
	key        *rsa.PrivateKey
}

func (s *jwtSigner) sign(req *http.Request, body []byte, now time.Time) error {
	claims := jwt.MapClaims{
		"iat": now.Unix(),
	}
	if hasBody(req.Method) {
		claims["digest"] = bodyDigest(body)
		claims["digestAlgorithm"] = "SHA-256"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.serial
	token.Header[headerMerchantID] = s.merchantID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return fmt.Errorf("sign jwt: %w", err)
	}

	req.Header.Set(headerMerchantID, s.merchantID)
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}
