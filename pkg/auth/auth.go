// Package auth verifies caller credentials and yields principals. User
// requests carry HS256 bearer tokens; workers authenticate with an id and a
// shared secret checked against bcrypt hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/models"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidCredential = errors.New("invalid worker credential")
)

// Gateway turns a raw credential into a principal
type Gateway interface {
	Authenticate(ctx context.Context, credential string) (models.Principal, error)
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTGateway verifies and issues HS256 user tokens
type JWTGateway struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTGateway creates a gateway keyed by secret
func NewJWTGateway(secret, issuer string) (*JWTGateway, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	return &JWTGateway{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// IssueToken signs a token for subject with the given role and lifetime
func (g *JWTGateway) IssueToken(subject string, role models.Role, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := g.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(g.secret)
}

// Authenticate verifies a bearer token
func (g *JWTGateway) Authenticate(ctx context.Context, credential string) (models.Principal, error) {
	var c claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}
	_, err := jwt.ParseWithClaims(credential, &c, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Principal{}, apperr.Wrap(apperr.CodeUnauthorized, err, "token expired")
		}
		return models.Principal{}, apperr.Wrap(apperr.CodeUnauthorized, ErrInvalidToken, "invalid bearer token")
	}

	role := models.Role(c.Role)
	if c.Subject == "" || !role.Valid() {
		return models.Principal{}, apperr.Wrap(apperr.CodeUnauthorized, ErrInvalidToken, "token lacks subject or role")
	}
	return models.User(c.Subject, role), nil
}

// dummyHash keeps unknown-worker lookups as slow as real comparisons
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("vidcoord-unknown-worker"), bcrypt.MinCost)

// WorkerGateway checks "<worker_id>:<secret>" credentials
type WorkerGateway struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewWorkerGateway creates an empty worker gateway
func NewWorkerGateway() *WorkerGateway {
	return &WorkerGateway{hashes: make(map[string][]byte)}
}

// ParseWorkerGateway builds a gateway from "id:bcrypt-hash" entries
func ParseWorkerGateway(entries []string) (*WorkerGateway, error) {
	g := NewWorkerGateway()
	for _, e := range entries {
		id, hash, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("worker credential must be id:bcrypt-hash")
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("worker %s: %w", id, err)
		}
		g.hashes[id] = []byte(hash)
	}
	return g, nil
}

// HashSecret returns the bcrypt hash to register for a worker secret
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Register adds or replaces a worker's secret
func (g *WorkerGateway) Register(workerID, secret string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}
	g.mu.Lock()
	g.hashes[workerID] = hash
	g.mu.Unlock()
	return nil
}

// Len returns the number of registered workers
func (g *WorkerGateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.hashes)
}

// Authenticate checks a worker credential
func (g *WorkerGateway) Authenticate(ctx context.Context, credential string) (models.Principal, error) {
	id, secret, ok := strings.Cut(credential, ":")
	if !ok || id == "" || secret == "" {
		return models.Principal{}, apperr.Wrap(apperr.CodeUnauthorized, ErrInvalidCredential, "malformed worker credential")
	}

	g.mu.RLock()
	hash, known := g.hashes[id]
	g.mu.RUnlock()
	if !known {
		hash = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil || !known {
		return models.Principal{}, apperr.Wrap(apperr.CodeUnauthorized, ErrInvalidCredential, "invalid worker credential")
	}
	return models.Worker(id), nil
}
