package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/model"
	"github.com/devrev/flagsync/internal/store"
)

const invalidCredentials = "Invalid email or password."

// TokenIssuer signs session tokens
type TokenIssuer interface {
	Issue(identity model.Identity) (string, error)
}

// RegisterInput is a registration request; every field is required
type RegisterInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// LoginInput is a login request
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthService manages operator accounts and sessions
type AuthService struct {
	users      store.UserStore
	tokens     TokenIssuer
	bcryptCost int
	now        func() time.Time
	logger     *zap.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(users store.UserStore, tokens TokenIssuer, bcryptCost int, logger *zap.Logger) *AuthService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{
		users:      users,
		tokens:     tokens,
		bcryptCost: bcryptCost,
		now:        time.Now,
		logger:     logger,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account and returns its public profile
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	email := normalizeEmail(in.Email)
	firstName := strings.TrimSpace(in.FirstName)
	lastName := strings.TrimSpace(in.LastName)
	if email == "" || in.Password == "" || firstName == "" || lastName == "" {
		return nil, apierrors.InvalidArgument("All fields are required.")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apierrors.InvalidArgument("email is not valid")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		// bcrypt rejects passwords longer than 72 bytes
		return nil, apierrors.InvalidArgument("password is not acceptable")
	}

	user := &model.User{
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: string(hash),
		CreatedAt:    model.Timestamp(s.now()),
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apierrors.AlreadyExists("Email already registered.")
		}
		return nil, apierrors.StoreUnavailable("create user", err)
	}

	s.logger.Info("User registered", zap.String("email", email))
	return user, nil
}

// Login checks the password and returns a signed session token. Unknown
// users and wrong passwords get the same error.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (string, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return "", apierrors.InvalidArgument("Email and password are required.")
	}

	user, err := s.users.GetUser(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return "", apierrors.NotAuthenticated(invalidCredentials)
	}
	if err != nil {
		return "", apierrors.StoreUnavailable("read user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(in.Password)); err != nil {
		return "", apierrors.NotAuthenticated(invalidCredentials)
	}

	token, err := s.tokens.Issue(model.Identity{
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
	if err != nil {
		return "", apierrors.Internal("failed to issue token", err)
	}
	return token, nil
}

// Me returns the stored profile for identity. A token whose account no
// longer exists is rejected.
func (s *AuthService) Me(ctx context.Context, identity *model.Identity) (*model.Identity, error) {
	if identity == nil {
		return nil, apierrors.NotAuthenticated("Not authenticated")
	}

	user, err := s.users.GetUser(ctx, identity.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierrors.NotAuthenticated("Not authenticated")
	}
	if err != nil {
		return nil, apierrors.StoreUnavailable("read user", err)
	}

	return &model.Identity{
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}, nil
}
