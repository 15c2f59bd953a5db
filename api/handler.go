// Package api exposes the user directory over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/samandartukhtayev/user-directory/models"
	"github.com/samandartukhtayev/user-directory/repository"
)

// UserStore is the part of the repository the HTTP layer needs
type UserStore interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByLogin(ctx context.Context, login string) (*models.User, error)
	Authenticate(ctx context.Context, login, password string) (*models.User, error)
	Search(ctx context.Context, firstNamePrefix, lastNamePrefix string) ([]*models.User, error)
	Insert(ctx context.Context, user *models.User) (*models.User, error)
	ChangeRole(ctx context.Context, login string, role models.Role) (*models.User, error)
}

// Handler wires HTTP routes to the user store.
type Handler struct {
	users  UserStore
	logger *logrus.Logger
}

func NewHandler(users UserStore, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{users: users, logger: logger}
}

// Routes returns the router serving every endpoint
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/user", h.createUser)

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuth)

		r.Get("/auth", h.whoAmI)
		r.Get("/user", h.getUser)
		r.Get("/user/search", h.searchUsers)
		r.With(requireRole(models.RoleAdministrator)).Post("/user/role", h.changeRole)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type createUserResponse struct {
	ID int64 `json:"id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps repository errors onto status codes
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, repository.ErrInvalidID), errors.Is(err, repository.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrLoginTaken):
		writeError(w, http.StatusConflict, "user with this login already exists")
	default:
		h.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form")
		return
	}

	for _, field := range []string{"first_name", "last_name", "email", "gender", "login", "password"} {
		if strings.TrimSpace(r.PostForm.Get(field)) == "" {
			writeError(w, http.StatusBadRequest, "missing field "+field)
			return
		}
	}

	created, err := h.users.Insert(r.Context(), &models.User{
		FirstName:  r.PostForm.Get("first_name"),
		LastName:   r.PostForm.Get("last_name"),
		MiddleName: r.PostForm.Get("middle_name"),
		Email:      r.PostForm.Get("email"),
		Gender:     r.PostForm.Get("gender"),
		Login:      r.PostForm.Get("login"),
		Password:   r.PostForm.Get("password"),
		Role:       models.RoleUser,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, createUserResponse{ID: created.ID})
}

func (h *Handler) whoAmI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

// getUser looks a user up by ?id= or, failing that, by ?login=
func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var (
		user *models.User
		err  error
	)
	switch {
	case query.Get("id") != "":
		id, parseErr := strconv.ParseInt(query.Get("id"), 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		user, err = h.users.FindByID(r.Context(), id)
	case query.Get("login") != "":
		user, err = h.users.FindByLogin(r.Context(), query.Get("login"))
	default:
		writeError(w, http.StatusBadRequest, "id or login is required")
		return
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !query.Has("first_name") || !query.Has("last_name") {
		writeError(w, http.StatusBadRequest, "first_name and last_name are required")
		return
	}

	users, err := h.users.Search(r.Context(), query.Get("first_name"), query.Get("last_name"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if len(users) == 0 {
		writeError(w, http.StatusNotFound, "no users match the given prefixes")
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form")
		return
	}

	login := strings.TrimSpace(r.PostForm.Get("login"))
	if login == "" {
		writeError(w, http.StatusBadRequest, "missing field login")
		return
	}
	role, ok := models.ParseRole(r.PostForm.Get("role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	user, err := h.users.ChangeRole(r.Context(), login, role)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}
