// Package token issues and verifies the rotating QR payloads shown on
// classroom displays. A token binds a session id to the instant it was
// issued; the signature is an HMAC-SHA256 over both, and a token is only
// honoured inside a short freshness window.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// TimestampLayout is millisecond precision UTC with a trailing Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const nonceBytes = 16

var (
	ErrMalformed         = errors.New("token: malformed")
	ErrSignatureMismatch = errors.New("token: signature mismatch")
	ErrExpired           = errors.New("token: expired")
)

type Token struct {
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Encode renders the token as the JSON document embedded in the QR code.
func (t Token) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return string(raw), nil
}

// IssuedAt parses the token timestamp.
func (t Token) IssuedAt() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, t.Timestamp)
	if err != nil {
		return time.Time{}, ErrMalformed
	}
	return ts, nil
}

// Parse decodes a scanned payload. Every field must be present.
func Parse(raw string) (Token, error) {
	var tok Token
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &tok); err != nil {
		return Token{}, ErrMalformed
	}
	if tok.SessionID == "" || tok.Timestamp == "" || tok.Nonce == "" || tok.Signature == "" {
		return Token{}, ErrMalformed
	}
	return tok, nil
}

type Codec struct {
	secret   []byte
	validity time.Duration
	now      func() time.Time
	random   io.Reader
}

type Option func(*Codec)

func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRandom replaces the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.random = r
		}
	}
}

func NewCodec(secret []byte, validity time.Duration, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret required")
	}
	if validity <= 0 {
		return nil, fmt.Errorf("token: validity must be positive, got %s", validity)
	}
	c := &Codec{
		secret:   append([]byte(nil), secret...),
		validity: validity,
		now:      time.Now,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) Validity() time.Duration {
	return c.validity
}

func (c *Codec) Issue(sessionID string) (Token, error) {
	if sessionID == "" {
		return Token{}, errors.New("token: session id required")
	}
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return Token{}, fmt.Errorf("token: nonce: %w", err)
	}
	timestamp := c.now().UTC().Format(TimestampLayout)
	return Token{
		SessionID: sessionID,
		Timestamp: timestamp,
		Nonce:     hex.EncodeToString(nonce),
		Signature: c.sign(sessionID, timestamp),
	}, nil
}

// Verify checks the signature first and freshness second, returning the
// first failure.
func (c *Codec) Verify(tok Token) error {
	if err := c.VerifySignature(tok); err != nil {
		return err
	}
	return c.CheckFreshness(tok)
}

func (c *Codec) VerifySignature(tok Token) error {
	if tok.SessionID == "" || tok.Timestamp == "" || tok.Signature == "" {
		return ErrMalformed
	}
	expected := c.sign(tok.SessionID, tok.Timestamp)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(tok.Signature))) {
		return ErrSignatureMismatch
	}
	return nil
}

// CheckFreshness accepts tokens whose timestamp lies within the validity
// window on either side of now.
func (c *Codec) CheckFreshness(tok Token) error {
	issued, err := tok.IssuedAt()
	if err != nil {
		return err
	}
	age := c.now().Sub(issued)
	if age < 0 {
		age = -age
	}
	if age > c.validity {
		return ErrExpired
	}
	return nil
}

func (c *Codec) sign(sessionID, timestamp string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}
