package mockapi

import (
	"fmt"
	"slices"
	"strings"

	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func (s *Server) Register(
	name string,
	email string,
	password string,
) (
	tokens.Identity,
	error,
) {
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return tokens.Identity{}, fmt.Errorf("%w: name, email and password are required", ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordMode.Cost())
	if err != nil {
		return tokens.Identity{}, fmt.Errorf("%w: failed to hash password: %v", ErrInternal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return tokens.Identity{}, ErrEmailExists
	}
	u := &user{
		id:    uuid.NewString(),
		name:  name,
		email: email,
		hash:  hash,
	}
	s.users[email] = u

	logger.Infof("registered user %s", u.id)
	return tokens.Identity{ID: u.id, Name: u.name, Email: u.email}, nil
}

// Login checks the password and returns a new access token and renewal
// secret.
func (s *Server) Login(
	email string,
	password string,
) (
	accessToken string,
	secret string,
	err error,
) {
	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return "", "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return "", "", ErrInvalidCredentials
	}

	accessToken, err = s.issueAccessToken(u)
	if err != nil {
		return "", "", err
	}

	secret = uuid.NewString()
	s.mu.Lock()
	s.secrets[secret] = u.email
	s.mu.Unlock()

	logger.Infof("user %s logged in", u.id)
	return accessToken, secret, nil
}

// Refresh issues a new access token for the owner of secret. The secret
// stays valid.
func (s *Server) Refresh(secret string) (string, error) {
	s.mu.Lock()
	email, ok := s.secrets[secret]
	u := s.users[email]
	s.mu.Unlock()
	if !ok || u == nil {
		return "", ErrRefreshNotFound
	}
	return s.issueAccessToken(u)
}

func (s *Server) issueAccessToken(u *user) (string, error) {
	s.mu.Lock()
	lifetime := s.accessLifetime
	s.mu.Unlock()

	now := s.clock.Now()
	claims := &tokens.Claims{
		UserID: u.id,
		Name:   u.name,
		Email:  u.email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   u.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.NewString(),
		},
	}
	encToken, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign access token: %v", ErrInternal, err)
	}
	return encToken, nil
}

// Authorize verifies an access token and returns its claims.
func (s *Server) Authorize(encToken string) (*tokens.Claims, error) {
	claims := &tokens.Claims{}
	_, err := jwt.ParseWithClaims(
		encToken,
		claims,
		func(*jwt.Token) (any, error) { return &s.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) CreateProject(owner, name, description string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalidRequest)
	}
	p := &Project{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Description: description,
	}
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return p, nil
}

func (s *Server) Projects(owner string) []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := []Project{}
	for _, p := range s.projects {
		if p.Owner == owner {
			projects = append(projects, *p)
		}
	}
	slices.SortFunc(projects, func(a, b Project) int { return strings.Compare(a.Name, b.Name) })
	return projects
}

func (s *Server) DeleteProject(owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok || p.Owner != owner {
		return ErrProjectNotFound
	}
	delete(s.projects, id)
	return nil
}
