package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/soaringjerry/Sensora/internal/models"
)

type AuthStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	AddUser(ctx context.Context, u *models.User) error
}

// TokenSigner issues a session token carrying the user's role and roster position.
type TokenSigner func(uid string, role models.Role, position int, ttl time.Duration) (string, error)

type AuthService struct {
	store     AuthStore
	now       func() time.Time
	idGen     func() string
	signToken TokenSigner
	tokenTTL  time.Duration
	positions int
}

type AuthResult struct {
	Token    string      `json:"token"`
	UserID   string      `json:"user_id"`
	Role     models.Role `json:"role"`
	Position int         `json:"evaluator_position,omitempty"`
}

func NewAuthService(store AuthStore, signer TokenSigner, tokenTTL time.Duration, positions int) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		signToken: signer,
		tokenTTL:  tokenTTL,
		positions: positions,
	}
}

// CreateUser registers an administrator or an evaluator. Evaluators need a
// roster position within 1..positions.
func (s *AuthService) CreateUser(ctx context.Context, email, password string, role models.Role, position int) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	switch role {
	case models.RoleAdmin:
		position = 0
	case models.RoleEvaluator:
		if position < 1 || position > s.positions {
			return nil, NewInvalidError("evaluator position out of range")
		}
	default:
		return nil, NewInvalidError("unknown role " + string(role))
	}
	existing, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email exists")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{ID: s.idGen(), Email: email, PassHash: hash, Role: role, EvaluatorPosition: position, CreatedAt: s.now()}
	if err := s.store.AddUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	u, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(u.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(u.ID, u.Role, u.EvaluatorPosition, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, UserID: u.ID, Role: u.Role, Position: u.EvaluatorPosition}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
