package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Identity is the single GitHub account the mock signs everyone in as.
type Identity struct {
	ID    string
	Login string
	Email string
	Name  string
}

type GitHubUserResponse struct {
	ID    int64   `json:"id"`
	Login string  `json:"login"`
	Email *string `json:"email"`
	Name  *string `json:"name"`
}

type AccessTokenResponse struct {
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	Scope       string `json:"scope,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// GitHubServer mimics the parts of github.com the login flow touches.
// Codes are single use, as on GitHub.
type GitHubServer struct {
	identity Identity

	mu     sync.Mutex
	codes  map[string]bool
	tokens map[string]bool
}

func NewGitHubServer(identity Identity) *GitHubServer {
	return &GitHubServer{
		identity: identity,
		codes:    make(map[string]bool),
		tokens:   make(map[string]bool),
	}
}

// AuthorizeHandler skips the consent screen and redirects straight back with a code.
func (s *GitHubServer) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || q.Get("client_id") == "" {
		http.Error(w, "missing client_id or redirect_uri", http.StatusBadRequest)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := randomHex(10)
	s.mu.Lock()
	s.codes[code] = true
	s.mu.Unlock()

	params := target.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	target.RawQuery = params.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// AccessTokenHandler answers rejected codes with HTTP 200 and an error body, like GitHub does.
func (s *GitHubServer) AccessTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	code := r.PostForm.Get("code")

	s.mu.Lock()
	valid := s.codes[code]
	delete(s.codes, code)
	var token string
	if valid {
		token = "gho_" + randomHex(18)
		s.tokens[token] = true
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !valid {
		json.NewEncoder(w).Encode(AccessTokenResponse{
			Error:            "bad_verification_code",
			ErrorDescription: "The code passed is incorrect or expired.",
		})
		return
	}

	json.NewEncoder(w).Encode(AccessTokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Scope:       "read:user,user:email",
	})
}

func (s *GitHubServer) UserHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	known := ok && s.tokens[token]
	s.mu.Unlock()
	if !known {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
		return
	}

	id, err := strconv.ParseInt(s.identity.ID, 10, 64)
	if err != nil {
		http.Error(w, "invalid MOCK_GITHUB_ID", http.StatusInternalServerError)
		return
	}

	resp := GitHubUserResponse{ID: id, Login: s.identity.Login}
	if s.identity.Email != "" {
		resp.Email = &s.identity.Email
	}
	if s.identity.Name != "" {
		resp.Name = &s.identity.Name
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
