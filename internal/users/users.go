// Package users manages dashboard accounts: registration awaiting admin
// approval, password login and the login audit log.
package users

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/TobiSchelling/KeywordPlanner/internal/database"
)

// LoginLogSize is the number of login attempts kept.
const LoginLogSize = 100

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPendingApproval    = errors.New("account pending approval")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid registration")
)

// Store persists users and login attempts.
type Store interface {
	InsertUser(u database.User) error
	GetUser(id string) (*database.User, error)
	GetUserByEmail(email string) (*database.User, error)
	ListUsers() ([]database.User, error)
	UpdateUserStatus(id, status string) error
	UpdateLastLogin(id string, at time.Time) error
	InsertLoginLog(l database.LoginLog, keep int) error
	GetLoginLogs(limit int) ([]database.LoginLog, error)
}

type registration struct {
	Email    string `validate:"required,email"`
	Name     string `validate:"required,max=100"`
	Password string `validate:"required,min=8,max=72"`
}

var validate = validator.New()

// Service implements account operations on a Store.
type Service struct {
	store  Store
	logger *zap.Logger
	cost   int
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, cost: bcrypt.DefaultCost, now: time.Now}
}

// Register creates a user that must be approved before logging in.
func (s *Service) Register(email, password, name string) (*database.User, error) {
	return s.create(email, password, name, database.RoleUser, database.StatusPending)
}

// EnsureAdmin creates the approved admin account unless the email exists.
// It reports whether an account was created.
func (s *Service) EnsureAdmin(email, password, name string) (bool, error) {
	existing, err := s.store.GetUserByEmail(email)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.create(email, password, name, database.RoleAdmin, database.StatusApproved); err != nil {
		return false, err
	}
	s.logger.Info("created admin account", zap.String("email", email))
	return true, nil
}

func (s *Service) create(email, password, name, role, status string) (*database.User, error) {
	reg := registration{
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Name:     strings.TrimSpace(name),
		Password: password,
	}
	if err := validate.Struct(reg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("%w: %s failed %q", ErrInvalidInput, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := database.User{
		ID:           uuid.NewString(),
		Email:        reg.Email,
		Name:         reg.Name,
		PasswordHash: string(hash),
		Role:         role,
		Status:       status,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertUser(u); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return &u, nil
}

// Login checks the password of an approved user. Every attempt against a
// known account is logged; a success also stamps the last login time.
func (s *Service) Login(email, password, ip string) (*database.User, error) {
	u, err := s.store.GetUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		s.logger.Info("login for unknown account", zap.String("email", email))
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.record(u, false, ip)
		return nil, ErrInvalidCredentials
	}
	if u.Status != database.StatusApproved {
		s.record(u, false, ip)
		return nil, ErrPendingApproval
	}

	now := s.now().UTC()
	if err := s.store.UpdateLastLogin(u.ID, now); err != nil {
		return nil, fmt.Errorf("updating last login: %w", err)
	}
	u.LastLogin = &now
	s.record(u, true, ip)
	return u, nil
}

func (s *Service) record(u *database.User, success bool, ip string) {
	err := s.store.InsertLoginLog(database.LoginLog{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Email:     u.Email,
		Success:   success,
		IPAddress: ip,
		Timestamp: s.now().UTC(),
	}, LoginLogSize)
	if err != nil {
		s.logger.Warn("failed to record login", zap.String("user", u.ID), zap.Error(err))
	}
}

// Approve lets a user log in.
func (s *Service) Approve(id string) error {
	return s.setStatus(id, database.StatusApproved)
}

// Reject blocks a user.
func (s *Service) Reject(id string) error {
	return s.setStatus(id, database.StatusRejected)
}

func (s *Service) setStatus(id, status string) error {
	u, err := s.Resolve(id)
	if err != nil {
		return err
	}
	if u.Role == database.RoleAdmin {
		return fmt.Errorf("cannot change status of admin %s", u.Email)
	}
	return s.store.UpdateUserStatus(u.ID, status)
}

// Resolve finds a user by ID or email.
func (s *Service) Resolve(ref string) (*database.User, error) {
	u, err := s.store.GetUser(ref)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u, err = s.store.GetUserByEmail(ref)
		if err != nil {
			return nil, err
		}
	}
	if u == nil {
		return nil, fmt.Errorf("user %q: %w", ref, database.ErrNotFound)
	}
	return u, nil
}

// List returns all users, oldest first.
func (s *Service) List() ([]database.User, error) {
	return s.store.ListUsers()
}

// Logs returns the most recent login attempts, newest first.
func (s *Service) Logs(limit int) ([]database.LoginLog, error) {
	if limit <= 0 || limit > LoginLogSize {
		limit = LoginLogSize
	}
	return s.store.GetLoginLogs(limit)
}
