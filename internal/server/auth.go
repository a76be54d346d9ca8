package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/users"
)

const (
	sessionCookie = "kwplanner_session"
	sessionTTL    = 12 * time.Hour
)

type ctxKey int

const userKey ctxKey = iota

type session struct {
	user    database.User
	expires time.Time
}

// sessions maps cookie tokens to logged-in users.
type sessions struct {
	mu  sync.Mutex
	m   map[string]session
	ttl time.Duration
	now func() time.Time
}

func newSessions(ttl time.Duration) *sessions {
	return &sessions{m: make(map[string]session), ttl: ttl, now: time.Now}
}

func (s *sessions) create(u database.User) string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[token] = session{user: u, expires: s.now().Add(s.ttl)}
	return token
}

func (s *sessions) get(token string) (database.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[token]
	if !ok {
		return database.User{}, false
	}
	if s.now().After(sess.expires) {
		delete(s.m, token)
		return database.User{}, false
	}
	return sess.user, true
}

func (s *sessions) delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, token)
}

// dropUser ends every session of a user.
func (s *sessions) dropUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.m {
		if sess.user.ID == id {
			delete(s.m, token)
		}
	}
}

func currentUser(ctx context.Context) *database.User {
	u, _ := ctx.Value(userKey).(*database.User)
	return u
}

// requireUser lets requests through when login is disabled or a valid
// session cookie is present. Browsers are sent to the login page; API
// clients get 401.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.users == nil {
			next.ServeHTTP(w, r)
			return
		}
		if c, err := r.Cookie(sessionCookie); err == nil {
			if u, ok := s.sessions.get(c.Value); ok {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, &u)))
				return
			}
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login required"})
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.users == nil {
			http.NotFound(w, r)
			return
		}
		u := currentUser(r.Context())
		if u == nil || u.Role != database.RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "login.html", nil)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.FormValue("email"))
	u, err := s.users.Login(email, r.FormValue("password"), clientIP(r))
	if err != nil {
		msg := "Invalid email or password."
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, users.ErrPendingApproval):
			msg = "Your account is waiting for approval."
			status = http.StatusForbidden
		case !errors.Is(err, users.ErrInvalidCredentials):
			s.logger.Error("login failed", zap.Error(err))
			msg = "Login is unavailable right now."
			status = http.StatusInternalServerError
		}
		s.renderStatus(w, r, status, "login.html", map[string]any{"Error": msg, "Email": email})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.sessions.create(*u),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "register.html", nil)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.FormValue("email"))
	name := strings.TrimSpace(r.FormValue("name"))
	_, err := s.users.Register(email, r.FormValue("password"), name)
	if err != nil {
		msg := "Registration failed."
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, users.ErrEmailTaken):
			msg = "This email is already registered."
			status = http.StatusConflict
		case errors.Is(err, users.ErrInvalidInput):
			msg = "Enter a valid email, a name and a password of 8 to 72 characters."
		default:
			s.logger.Error("registration failed", zap.Error(err))
			status = http.StatusInternalServerError
		}
		s.renderStatus(w, r, status, "register.html", map[string]any{"Error": msg, "Email": email, "Name": name})
		return
	}
	s.render(w, r, "register.html", map[string]any{"Registered": true})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.users.List()
	if err != nil {
		s.serverError(w, "listing users", err)
		return
	}
	logs, err := s.users.Logs(20)
	if err != nil {
		s.serverError(w, "listing logins", err)
		return
	}
	s.render(w, r, "users.html", map[string]any{"Users": list, "Logs": logs})
}

func (s *Server) handleUserAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	switch chi.URLParam(r, "action") {
	case "approve":
		err = s.users.Approve(id)
	case "reject":
		err = s.users.Reject(id)
		if err == nil {
			s.sessions.dropUser(id)
		}
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/admin/users", http.StatusSeeOther)
}

// clientIP is the address set by the RealIP middleware, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
