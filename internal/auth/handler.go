package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ghlogin/internal/user"
	"ghlogin/pkg/logger"
	"ghlogin/pkg/oauth2"
	"ghlogin/pkg/session"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	StateCookieName   = "github_oauth_state"
	stateCookieMaxAge = 10 * 60

	ctxKeySession = "session"
	ctxKeyUser    = "user"
)

// CookieConfig controls the session-cookie transport.
type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
	MaxAge time.Duration
}

type Handler struct {
	service     *Service
	cookie      CookieConfig
	landingPath string
	callbacks   metric.Int64Counter
}

func NewHandler(service *Service, cookie CookieConfig, landingPath string) *Handler {
	if cookie.Name == "" {
		cookie.Name = "auth_session"
	}
	if landingPath == "" {
		landingPath = "/"
	}

	counter, err := otel.Meter("ghlogin/internal/auth").Int64Counter(
		"auth.callback.outcomes",
		metric.WithDescription("OAuth callback results by outcome"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter("").Int64Counter("auth.callback.outcomes")
	}

	return &Handler{
		service:     service,
		cookie:      cookie,
		landingPath: landingPath,
		callbacks:   counter,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthHandler)

	auth := router.Group("/auth")
	{
		auth.GET("/github", h.GithubAuthHandler)
		auth.GET("/github/callback", h.GithubCallbackHandler)
		auth.POST("/logout", h.LogoutHandler)
	}

	api := router.Group("/api")
	api.Use(h.AuthMiddleware())
	{
		api.GET("/me", h.MeHandler)
		api.GET("/github/user", h.GithubUserHandler)
	}
}

// HealthHandler godoc
// @Summary Liveness probe
// @Tags health
// @Produce plain
// @Success 200 {string} string "ok"
// @Router /healthz [get]
func (h *Handler) HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GithubAuthHandler starts the GitHub OAuth2 flow
// @Summary Start GitHub OAuth2 login
// @Description Sets the anti-forgery state cookie and redirects to GitHub
// @Tags auth
// @Success 307 {string} string "Redirect"
// @Router /auth/github [get]
func (h *Handler) GithubAuthHandler(c *gin.Context) {
	state, err := oauth2.GenerateState()
	if err != nil {
		RequestLogger(c).Error("failed to generate oauth state", logger.Err(err))
		c.String(http.StatusInternalServerError, msgInternal)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(StateCookieName, state, stateCookieMaxAge, "/", h.cookie.Domain, h.cookie.Secure, true)
	c.Redirect(http.StatusTemporaryRedirect, h.service.AuthCodeURL(state))
}

// GithubCallbackHandler handles GitHub OAuth2 callback
// @Summary GitHub OAuth2 callback
// @Description Exchanges the code, stores the encrypted token, upserts the user and issues a session
// @Tags auth
// @Produce plain
// @Param code query string true "OAuth2 code"
// @Param state query string true "OAuth2 state"
// @Success 302 {string} string "Redirect to the landing page"
// @Failure 400 {string} string "Bad request or rejected code"
// @Failure 500 {string} string "Internal server error"
// @Router /auth/github/callback [get]
func (h *Handler) GithubCallbackHandler(c *gin.Context) {
	storedState, _ := c.Cookie(StateCookieName)
	req := CallbackRequest{
		Code:        c.Query("code"),
		State:       c.Query("state"),
		StoredState: storedState,
	}

	// The state is single use whatever the outcome.
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(StateCookieName, "", -1, "/", h.cookie.Domain, h.cookie.Secure, true)

	res, err := h.service.HandleCallback(c.Request.Context(), req)
	if err != nil {
		h.recordCallback(c.Request.Context(), err)
		h.sendError(c, err)
		return
	}

	outcome := "existing_user"
	if res.Created {
		outcome = "new_user"
	}
	h.callbacks.Add(c.Request.Context(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	RequestLogger(c).Info("login completed",
		logger.Field{Key: "user_id", Value: res.User.ID},
		logger.Field{Key: "outcome", Value: outcome},
	)

	h.setSessionCookie(c, res.Session)
	c.Redirect(http.StatusFound, h.landingPath)
}

// MeHandler returns the authenticated user
// @Summary Get authenticated user
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]interface{} "User"
// @Failure 401 {string} string "Unauthorized"
// @Router /api/me [get]
func (h *Handler) MeHandler(c *gin.Context) {
	sess := c.MustGet(ctxKeySession).(*session.Session)
	u := c.MustGet(ctxKeyUser).(*user.User)

	c.JSON(http.StatusOK, gin.H{
		"user":       u,
		"created_at": sess.CreatedAt,
		"expires_at": sess.ExpiresAt,
	})
}

// GithubUserHandler returns the live GitHub profile behind the stored token
// @Summary Get GitHub profile
// @Description Decrypts the stored access token and fetches the user from GitHub
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]interface{} "GitHub profile"
// @Failure 401 {string} string "Unauthorized"
// @Failure 500 {string} string "Internal server error"
// @Router /api/github/user [get]
func (h *Handler) GithubUserHandler(c *gin.Context) {
	u := c.MustGet(ctxKeyUser).(*user.User)

	profile, err := h.service.ProviderProfile(c.Request.Context(), u.ID)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":    profile.ExternalID,
		"login": profile.Username,
		"email": profile.Email,
		"name":  profile.DisplayName,
	})
}

// LogoutHandler logs out the user by deleting the session
// @Summary Logout
// @Description Deletes the session and clears the cookie
// @Tags auth
// @Success 204 "Logged out"
// @Router /auth/logout [post]
func (h *Handler) LogoutHandler(c *gin.Context) {
	if sessionID, err := c.Cookie(h.cookie.Name); err == nil {
		if err := h.service.Logout(c.Request.Context(), sessionID); err != nil {
			RequestLogger(c).Warn("failed to delete session", logger.Err(err))
		}
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, "", -1, "/", h.cookie.Domain, h.cookie.Secure, true)
	c.Status(http.StatusNoContent)
}

// AuthMiddleware resolves the session cookie and stores the session and user for downstream handlers.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(h.cookie.Name)
		if err != nil {
			c.String(http.StatusUnauthorized, msgUnauthorized)
			c.Abort()
			return
		}

		sess, u, err := h.service.Authenticate(c.Request.Context(), sessionID)
		if err != nil {
			h.sendError(c, err)
			c.Abort()
			return
		}

		c.Set(ctxKeySession, sess)
		c.Set(ctxKeyUser, u)
		c.Next()
	}
}

func (h *Handler) setSessionCookie(c *gin.Context, sess *session.Session) {
	maxAge := int(h.cookie.MaxAge / time.Second)
	if maxAge <= 0 {
		maxAge = int(time.Until(sess.ExpiresAt) / time.Second)
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, sess.ID, maxAge, "/", h.cookie.Domain, h.cookie.Secure, true)
}

// sendError logs the failure once and writes the public status text.
func (h *Handler) sendError(c *gin.Context, err error) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		authErr = newError(KindStorage, "", err)
	}

	log := RequestLogger(c).With(
		logger.Field{Key: "step", Value: string(authErr.Step)},
		logger.Field{Key: "kind", Value: authErr.Kind.String()},
	)
	status, message := authErr.Response()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", logger.Err(authErr.Err))
	} else {
		log.Warn("request rejected", logger.Err(authErr.Err))
	}

	c.String(status, message)
}

func (h *Handler) recordCallback(ctx context.Context, err error) {
	kind := KindStorage
	var authErr *Error
	if errors.As(err, &authErr) {
		kind = authErr.Kind
	}
	h.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind.String())))
}
