package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTokenTTL is the lifetime of generated SAS tokens.
	DefaultTokenTTL = time.Hour

	// DefaultRenewalMargin is how long before expiry a renewable token
	// should be regenerated.
	DefaultRenewalMargin = 2 * time.Minute

	tokenPrefix = "SharedAccessSignature "
)

// SasToken is a parsed shared access signature of the form
//
//	SharedAccessSignature sr=<resource>&sig=<signature>&se=<expiry>[&skn=<keyname>]
type SasToken struct {
	Resource  string
	Signature string
	Expiry    time.Time
	KeyName   string

	raw string
}

// ParseSasToken parses a SAS token string, validating the required fields.
func ParseSasToken(s string) (*SasToken, error) {
	if !strings.HasPrefix(s, tokenPrefix) {
		return nil, fmt.Errorf("token must start with %q", strings.TrimSpace(tokenPrefix))
	}
	values, err := url.ParseQuery(strings.TrimPrefix(s, tokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	for _, field := range []string{"sr", "sig", "se"} {
		if values.Get(field) == "" {
			return nil, fmt.Errorf("token missing required field %q", field)
		}
	}
	se, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry %q: %w", values.Get("se"), err)
	}
	return &SasToken{
		Resource:  values.Get("sr"),
		Signature: values.Get("sig"),
		Expiry:    time.Unix(se, 0),
		KeyName:   values.Get("skn"),
		raw:       s,
	}, nil
}

// String returns the full token string for use as an MQTT password or an
// Authorization header value.
func (t *SasToken) String() string { return t.raw }

// Expired reports whether the token's expiry time has passed.
func (t *SasToken) Expired() bool { return !time.Now().Before(t.Expiry) }

// SigningMechanism signs arbitrary strings for SAS token generation. The
// device-side implementation is an HMAC over the shared access key, but
// callers may plug in an external signer (e.g. an HSM or a gateway workload
// API).
type SigningMechanism interface {
	Sign(data string) (string, error)
}

// SymmetricKeySigner signs data with HMAC-SHA256 using a base64-encoded
// shared access key.
type SymmetricKeySigner struct {
	key string
}

// NewSymmetricKeySigner returns a signer for the given base64 key.
func NewSymmetricKeySigner(base64Key string) *SymmetricKeySigner {
	return &SymmetricKeySigner{key: base64Key}
}

func (s *SymmetricKeySigner) Sign(data string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(s.key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not valid base64: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// TokenGenerator mints SAS tokens for a fixed resource URI.
type TokenGenerator struct {
	signer  SigningMechanism
	uri     string
	keyName string
	ttl     time.Duration

	mu      sync.Mutex
	current *SasToken
}

// NewTokenGenerator returns a generator scoped to uri. keyName may be empty
// for device identities. A zero ttl selects DefaultTokenTTL.
func NewTokenGenerator(signer SigningMechanism, uri, keyName string, ttl time.Duration) *TokenGenerator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenGenerator{signer: signer, uri: uri, keyName: keyName, ttl: ttl}
}

// TTL returns the configured token lifetime.
func (g *TokenGenerator) TTL() time.Duration { return g.ttl }

// Generate mints a fresh token and remembers it as the current one.
func (g *TokenGenerator) Generate() (*SasToken, error) {
	expiry := time.Now().Add(g.ttl).Unix()
	encodedURI := url.QueryEscape(g.uri)
	signature, err := g.signer.Sign(encodedURI + "\n" + strconv.FormatInt(expiry, 10))
	if err != nil {
		return nil, fmt.Errorf("cannot generate SAS token: %w", err)
	}

	raw := fmt.Sprintf("%ssr=%s&sig=%s&se=%d", tokenPrefix, encodedURI, url.QueryEscape(signature), expiry)
	if g.keyName != "" {
		raw += "&skn=" + g.keyName
	}

	token, err := ParseSasToken(raw)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.current = token
	g.mu.Unlock()
	return token, nil
}

// Current returns the most recently generated token, minting one on first
// use or when the remembered token has expired.
func (g *TokenGenerator) Current() (*SasToken, error) {
	g.mu.Lock()
	current := g.current
	g.mu.Unlock()
	if current != nil && !current.Expired() {
		return current, nil
	}
	return g.Generate()
}
