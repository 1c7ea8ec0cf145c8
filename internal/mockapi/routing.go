package mockapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"git.sr.ht/~jakintosh/apisession/internal/api"
	"github.com/gorilla/mux"
)

type ProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ctxKey struct{}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc(api.PathRegister, s.handleRegister()).Methods("POST")
	r.HandleFunc(api.PathLogin, s.handleLogin()).Methods("POST")
	r.HandleFunc(api.PathRefresh, s.handleRefresh()).Methods("POST")

	p := r.PathPrefix("/project").Subrouter()
	p.Use(s.requireAuthorization)
	p.HandleFunc("", s.handleCreateProject()).Methods("POST")
	p.HandleFunc("/user/{owner}", s.handleListProjects()).Methods("GET")
	p.HandleFunc("/{id}", s.handleDeleteProject()).Methods("DELETE")

	return r
}

func (s *Server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := api.RegisterRequest{}
		if ok := api.DecodeRequest(&req, w, r); !ok {
			return
		}

		identity, err := s.Register(req.Name, req.Email, req.Password)
		if err != nil {
			writeError(w, r, err)
			return
		}
		api.ReturnJSONStatus(w, http.StatusCreated, identity)
	}
}

func (s *Server) handleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := api.LoginRequest{}
		if ok := api.DecodeRequest(&req, w, r); !ok {
			return
		}

		accessToken, secret, err := s.Login(req.Email, req.Password)
		if err != nil {
			writeError(w, r, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     api.RefreshCookie,
			Value:    secret,
			Path:     "/",
			MaxAge:   int(RefreshLifetime.Seconds()),
			HttpOnly: true,
			Secure:   s.secureCookies,
			SameSite: http.SameSiteStrictMode,
		})
		api.ReturnJSON(api.TokenResponse{AccessToken: accessToken}, w)
	}
}

func (s *Server) handleRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(api.RefreshCookie)
		if err != nil || cookie.Value == "" {
			api.LogErr(r, "missing refresh cookie")
			api.ReturnError(w, http.StatusUnauthorized, "refresh token missing")
			return
		}

		accessToken, err := s.Refresh(cookie.Value)
		if err != nil {
			writeError(w, r, err)
			return
		}
		api.ReturnJSON(api.TokenResponse{AccessToken: accessToken}, w)
	}
}

func (s *Server) handleCreateProject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := ProjectRequest{}
		if ok := api.DecodeRequest(&req, w, r); !ok {
			return
		}

		project, err := s.CreateProject(owner(r), req.Name, req.Description)
		if err != nil {
			writeError(w, r, err)
			return
		}
		api.ReturnJSONStatus(w, http.StatusCreated, project)
	}
}

func (s *Server) handleListProjects() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["owner"] != owner(r) {
			api.ReturnError(w, http.StatusForbidden, "forbidden")
			return
		}
		api.ReturnJSON(s.Projects(owner(r)), w)
	}
}

func (s *Server) handleDeleteProject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.DeleteProject(owner(r), mux.Vars(r)["id"]); err != nil {
			writeError(w, r, err)
			return
		}
		api.ReturnJSON(api.ErrorResponse{Message: "project deleted"}, w)
	}
}

func (s *Server) requireAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encToken, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || encToken == "" {
			api.LogErr(r, "missing bearer token")
			api.ReturnError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.Authorize(encToken)
		if err != nil {
			api.LogErr(r, "rejected access token: "+err.Error())
			api.ReturnError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func owner(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	api.LogErr(r, err.Error())
	switch {
	case errors.Is(err, ErrInvalidRequest):
		api.ReturnError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		api.ReturnError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrRefreshNotFound):
		api.ReturnError(w, http.StatusUnauthorized, "invalid refresh token")
	case errors.Is(err, ErrEmailExists):
		api.ReturnError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrProjectNotFound):
		api.ReturnError(w, http.StatusNotFound, err.Error())
	default:
		api.ReturnError(w, http.StatusInternalServerError, "internal server error")
	}
}
