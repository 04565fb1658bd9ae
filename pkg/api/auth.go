package api

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fleetgate/pkg/auth"
	"fleetgate/pkg/model"
)

const sessionTTL = 24 * time.Hour

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleAuthRegister only allows the first user to be created (admin).
func (d *Deps) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuthRequest(w, r)
	if !ok {
		return
	}
	var count int64
	d.DB.Model(&model.User{}).Count(&count)
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	user := model.User{Username: req.Username, PasswordHash: string(hash), IsAdmin: true}
	if err := d.DB.Create(&user).Error; err != nil {
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	d.audit(user.Username, "auth_register", user.Username, "first admin account")
	d.issueSession(w, user)
}

func (d *Deps) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAuthRequest(w, r)
	if !ok {
		return
	}
	var user model.User
	if err := d.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	d.DB.Model(&user).Update("last_login_at", time.Now())
	d.audit(user.Username, "auth_login", user.Username, "")
	d.issueSession(w, user)
}

func decodeAuthRequest(w http.ResponseWriter, r *http.Request) (authRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return authRequest{}, false
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return authRequest{}, false
	}
	return req, true
}

func (d *Deps) issueSession(w http.ResponseWriter, user model.User) {
	token, expires, err := auth.Generate(user.ID, user.Username, sessionTTL)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		Username:  user.Username,
		ExpiresAt: expires,
	})
}
