package cdp

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultHost is the CDP REST host credentials are scoped to.
	DefaultHost = "api.developer.coinbase.com"
	// DefaultTTL is the credential lifetime.
	DefaultTTL = 120 * time.Second

	issuer     = "cdp"
	nonceBytes = 16
)

// Credential is a signed, single-call JWT.
type Credential struct {
	Token     string
	Nonce     string
	URI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the lifetime in whole seconds.
func (c Credential) ExpiresIn() int64 {
	return int64(c.ExpiresAt.Sub(c.IssuedAt) / time.Second)
}

type claims struct {
	jwt.RegisteredClaims
	URI string `json:"uri"`
}

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithEntropy overrides the nonce randomness source.
func WithEntropy(r io.Reader) SignerOption {
	return func(s *Signer) { s.rand = r }
}

// Signer issues CDP JWTs with an Ed25519 or P-256 key.
type Signer struct {
	keyID  string
	host   string
	key    crypto.PrivateKey
	method jwt.SigningMethod
	keyErr error
	now    func() time.Time
	rand   io.Reader
}

// NewSigner parses the key once. A missing or malformed key does not fail
// construction; every Issue call reports it as a SigningError instead.
func NewSigner(keyID, secret, host string, opts ...SignerOption) *Signer {
	if strings.TrimSpace(host) == "" {
		host = DefaultHost
	}
	s := &Signer{
		keyID: strings.TrimSpace(keyID),
		host:  host,
		now:   time.Now,
		rand:  rand.Reader,
	}
	s.key, s.method, s.keyErr = parseKey(secret)
	if s.keyErr == nil && s.keyID == "" {
		s.keyErr = errors.New("api key id is not configured")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports whether the signer can issue credentials.
func (s *Signer) Ready() error {
	if s.keyErr != nil {
		return &SigningError{Err: s.keyErr}
	}
	return nil
}

// Algorithm names the JWT algorithm in use, or "" without a key.
func (s *Signer) Algorithm() string {
	if s.method == nil {
		return ""
	}
	return s.method.Alg()
}

// Issue signs a credential for one METHOD host/path call.
func (s *Signer) Issue(method, path string, ttl time.Duration) (Credential, error) {
	if err := s.Ready(); err != nil {
		return Credential{}, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	nonce, err := s.nonce()
	if err != nil {
		return Credential{}, &SigningError{Err: fmt.Errorf("nonce: %w", err)}
	}

	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	uri := fmt.Sprintf("%s %s%s", strings.ToUpper(method), s.host, path)

	// JWT timestamps have second resolution.
	issued := s.now().UTC().Truncate(time.Second)
	expires := issued.Add(ttl)

	token := jwt.NewWithClaims(s.method, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.keyID,
			NotBefore: jwt.NewNumericDate(issued),
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		URI: uri,
	})
	token.Header["kid"] = s.keyID
	token.Header["nonce"] = nonce

	signed, err := token.SignedString(s.key)
	if err != nil {
		return Credential{}, &SigningError{Err: err}
	}

	return Credential{
		Token:     signed,
		Nonce:     nonce,
		URI:       uri,
		IssuedAt:  issued,
		ExpiresAt: expires,
	}, nil
}

func (s *Signer) nonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// parseKey accepts a PEM EC/Ed25519 key or a base64 Ed25519 key (64-byte
// private key or 32-byte seed). Env files often carry PEM with escaped
// newlines, which are restored first.
func parseKey(secret string) (crypto.PrivateKey, jwt.SigningMethod, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil, errors.New("api key secret is not configured")
	}

	if strings.Contains(secret, "-----BEGIN") {
		pemData := []byte(strings.ReplaceAll(secret, `\n`, "\n"))
		if ecKey, err := jwt.ParseECPrivateKeyFromPEM(pemData); err == nil {
			if ecKey.Curve.Params().Name != "P-256" {
				return nil, nil, fmt.Errorf("unsupported EC curve %s", ecKey.Curve.Params().Name)
			}
			return ecKey, jwt.SigningMethodES256, nil
		}
		edKey, err := jwt.ParseEdPrivateKeyFromPEM(pemData)
		if err != nil {
			return nil, nil, fmt.Errorf("parse pem key: %w", err)
		}
		return edKey, jwt.SigningMethodEdDSA, nil
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("decode base64 key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), jwt.SigningMethodEdDSA, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), jwt.SigningMethodEdDSA, nil
	default:
		return nil, nil, fmt.Errorf("ed25519 key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}
