package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	githubAPIURL   = "https://api.github.com"
	defaultTimeout = 10 * time.Second
	maxProfileBody = 1 << 20
)

// GitHubConfig configures the GitHub OAuth app. Endpoint and APIURL default
// to github.com and exist so tests and GitHub Enterprise can point elsewhere.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	APIURL       string
	Timeout      time.Duration
}

// GitHubOAuth2Provider implements Provider for GitHub OAuth apps
type GitHubOAuth2Provider struct {
	config     *oauth2.Config
	apiURL     string
	timeout    time.Duration
	httpClient *http.Client
}

type githubUser struct {
	ID    json.Number `json:"id"`
	Login string      `json:"login"`
	Email *string     `json:"email"`
	Name  *string     `json:"name"`
}

func NewGitHubOAuth2Provider(cfg GitHubConfig) *GitHubOAuth2Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = github.Endpoint
	}
	// A second attempt with another auth style would replay a single-use code.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = githubAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &GitHubOAuth2Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		apiURL:     apiURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (gh *GitHubOAuth2Provider) GetName() string {
	return "github"
}

func (gh *GitHubOAuth2Provider) AuthCodeURL(state string) string {
	return gh.config.AuthCodeURL(state)
}

// ExchangeCode trades a single-use authorization code for an access token.
func (gh *GitHubOAuth2Provider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, gh.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, gh.httpClient)

	tok, err := gh.config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && isRejection(retrieveErr) {
			return nil, &ProtocolError{
				Code:        retrieveErr.ErrorCode,
				Description: retrieveErr.ErrorDescription,
			}
		}
		return nil, fmt.Errorf("%w: token exchange: %v", ErrUpstream, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token in response", ErrUpstream)
	}

	return &Token{AccessToken: tok.AccessToken}, nil
}

// isRejection separates "the provider said no to this code" from faults on
// our side or GitHub's: bad client credentials, throttling and 5xx are upstream.
func isRejection(err *oauth2.RetrieveError) bool {
	status := 0
	if err.Response != nil {
		status = err.Response.StatusCode
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	if err.ErrorCode == "incorrect_client_credentials" {
		return false
	}
	if err.ErrorCode != "" {
		return true
	}
	return status == http.StatusBadRequest
}

// FetchProfile loads the user behind the access token from GET /user.
func (gh *GitHubOAuth2Provider) FetchProfile(ctx context.Context, token *Token) (*Profile, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrUpstream)
	}

	ctx, cancel := context.WithTimeout(ctx, gh.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gh.apiURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create user request: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := gh.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: user request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBody))
		return nil, fmt.Errorf("%w: user request failed with status %d", ErrUpstream, resp.StatusCode)
	}

	var ghUser githubUser
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBody))
	if err := dec.Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user: %v", ErrUpstream, err)
	}
	if ghUser.ID.String() == "" || ghUser.Login == "" {
		return nil, fmt.Errorf("%w: user response missing id or login", ErrUpstream)
	}

	return &Profile{
		ExternalID:  ghUser.ID.String(),
		Username:    ghUser.Login,
		Email:       emptyToNil(ghUser.Email),
		DisplayName: emptyToNil(ghUser.Name),
	}, nil
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
