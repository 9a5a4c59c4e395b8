package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"stockbill/backend/internal/domain"
)

const tokenIssuer = "stockbill"

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errAccountDisabled    = errors.New("account disabled")
)

type AuthManager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
	users     map[string]credential
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	active   bool
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		users:     make(map[string]credential),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.bootstrapUsers(ctx)
	return manager
}

// Login refreshes the credential cache from the user store so accounts added by
// another instance can sign in.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.bootstrapUsers(lookupCtx)
	cancel()

	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errAccountDisabled
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	signed, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: signed,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithIssuer(tokenIssuer), jwtlib.WithExpirationRequired())
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("token rejected: invalid or expired")
	}
	if claims.Subject == "" {
		return domain.Actor{}, errors.New("token has no subject")
	}
	if !isRoleAllowed(claims.Role, []string{domain.RoleAdmin, domain.RoleClerk}) {
		return domain.Actor{}, errors.New("token role not recognized")
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}).SignedString(a.secret)
}

// EnsureAdmin creates the admin account when the user store has none. Used on first
// start against an empty database.
func (a *AuthManager) EnsureAdmin(ctx context.Context, username string, password string) error {
	if a.userStore == nil {
		return nil
	}
	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if user.Role == domain.RoleAdmin {
			return nil
		}
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if err := a.userStore.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  hash,
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	log.Printf("[auth] created initial admin account %q", username)
	a.bootstrapUsers(ctx)
	return nil
}

// bootstrapUsers loads accounts from the user store into the credential cache and
// upgrades legacy plain-text passwords to bcrypt hashes.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		log.Printf("[auth] WARN: failed to load users: %v", err)
		return
	}
	if len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
			}
		}
		a.users[username] = credential{
			password: password,
			role:     user.Role,
			active:   user.Active,
		}
	}
}

func verifyPassword(hash string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// isPasswordHash reports whether value parses as a bcrypt hash.
func isPasswordHash(value string) bool {
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}
