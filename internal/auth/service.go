package auth

import (
	"context"
	"errors"

	"ghlogin/internal/user"
	"ghlogin/pkg/idgen"
	"ghlogin/pkg/logger"
	"ghlogin/pkg/oauth2"
	"ghlogin/pkg/session"
	"ghlogin/pkg/tokencipher"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type TokenCipher interface {
	Encrypt(plaintext string) (tokencipher.EncryptedToken, error)
	Decrypt(token tokencipher.EncryptedToken) (string, error)
}

type UserStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*user.User, error)
	CreateUser(ctx context.Context, id string, profile *oauth2.Profile, token tokencipher.EncryptedToken) (*user.User, error)
	UpsertToken(ctx context.Context, userID string, token tokencipher.EncryptedToken) error
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetToken(ctx context.Context, userID string) (*user.Token, error)
}

type SessionIssuer interface {
	Create(ctx context.Context, userID string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Delete(ctx context.Context, id string) error
}

// CallbackRequest is what the provider redirect brings back, plus the state
// set in the browser when the flow started.
type CallbackRequest struct {
	Code        string
	State       string
	StoredState string
}

// CallbackResult is a completed login.
type CallbackResult struct {
	Session *session.Session
	User    *user.User
	Created bool
}

// Service runs the GitHub login flow.
type Service struct {
	provider oauth2.Provider
	cipher   TokenCipher
	users    UserStore
	sessions SessionIssuer
	ids      idgen.Generator
	logger   logger.Logger
	tracer   trace.Tracer
}

func NewService(provider oauth2.Provider, cipher TokenCipher, users UserStore, sessions SessionIssuer, ids idgen.Generator, log logger.Logger) *Service {
	return &Service{
		provider: provider,
		cipher:   cipher,
		users:    users,
		sessions: sessions,
		ids:      ids,
		logger:   log,
		tracer:   otel.Tracer("ghlogin/internal/auth"),
	}
}

// AuthCodeURL builds the provider redirect for a fresh state.
func (s *Service) AuthCodeURL(state string) string {
	return s.provider.AuthCodeURL(state)
}

// HandleCallback completes a login. Every failure is an *Error.
func (s *Service) HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.HandleCallback")
	defer span.End()

	res, err := s.handleCallback(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Kind.String())
		span.SetAttributes(
			attribute.String("auth.step", string(err.Step)),
			attribute.String("auth.error_kind", err.Kind.String()),
		)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("auth.user_id", res.User.ID),
		attribute.Bool("auth.user_created", res.Created),
	)
	return res, nil
}

func (s *Service) handleCallback(ctx context.Context, req CallbackRequest) (*CallbackResult, *Error) {
	if req.Code == "" || req.State == "" || req.StoredState == "" || req.State != req.StoredState {
		return nil, newError(KindBadRequest, StepValidatingRequest, errors.New("missing or mismatched state"))
	}

	token, err := s.provider.ExchangeCode(ctx, req.Code)
	if err != nil {
		var protoErr *oauth2.ProtocolError
		if errors.As(err, &protoErr) {
			return nil, &Error{Kind: KindOAuthProtocol, Step: StepExchangingCode, Description: protoErr.Description, Err: err}
		}
		return nil, newError(KindUpstream, StepExchangingCode, err)
	}

	profile, err := s.provider.FetchProfile(ctx, token)
	if err != nil {
		return nil, newError(KindUpstream, StepFetchingProfile, err)
	}

	encrypted, err := s.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, newError(KindCrypto, StepEncryptingToken, err)
	}

	u, created, rerr := s.resolveUser(ctx, profile, encrypted)
	if rerr != nil {
		return nil, rerr
	}

	sess, err := s.sessions.Create(ctx, u.ID)
	if err != nil {
		return nil, newError(KindStorage, StepIssuingSession, err)
	}

	return &CallbackResult{Session: sess, User: u, Created: created}, nil
}

// resolveUser finds or creates the user for the profile and stores the token.
// The users.external_id unique constraint decides concurrent first logins:
// the loser re-reads the winner's row and takes the existing-user path.
func (s *Service) resolveUser(ctx context.Context, profile *oauth2.Profile, encrypted tokencipher.EncryptedToken) (*user.User, bool, *Error) {
	existing, err := s.users.FindByExternalID(ctx, profile.ExternalID)
	if err != nil {
		return nil, false, newError(KindStorage, StepResolvingUser, err)
	}
	if existing != nil {
		if err := s.updateExisting(ctx, existing, encrypted); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	created, err := s.users.CreateUser(ctx, s.ids.NewID(), profile, encrypted)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, user.ErrConflict) {
		return nil, false, newError(KindStorage, StepCreatingNew, err)
	}

	s.logger.Info("concurrent first login, re-resolving user",
		logger.Field{Key: "step", Value: string(StepCreatingNew)},
		logger.Field{Key: "kind", Value: KindConflict.String()},
		logger.Field{Key: "external_id", Value: profile.ExternalID},
	)

	existing, err = s.users.FindByExternalID(ctx, profile.ExternalID)
	if err != nil {
		return nil, false, newError(KindStorage, StepResolvingUser, err)
	}
	if existing == nil {
		return nil, false, newError(KindStorage, StepResolvingUser, errors.New("user vanished after conflict"))
	}
	if err := s.updateExisting(ctx, existing, encrypted); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// updateExisting replaces the stored token. Profile fields are left as first recorded.
func (s *Service) updateExisting(ctx context.Context, u *user.User, encrypted tokencipher.EncryptedToken) *Error {
	if err := s.users.UpsertToken(ctx, u.ID, encrypted); err != nil {
		return newError(KindStorage, StepUpdatingExisting, err)
	}
	return nil
}

// Authenticate resolves a session id into its session and user.
func (s *Service) Authenticate(ctx context.Context, sessionID string) (*session.Session, *user.User, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, nil, newError(KindUnauthorized, StepAuthenticating, err)
	}
	if err != nil {
		return nil, nil, newError(KindStorage, StepAuthenticating, err)
	}

	u, err := s.users.GetByID(ctx, sess.UserID)
	if errors.Is(err, user.ErrNotFound) {
		return nil, nil, newError(KindUnauthorized, StepAuthenticating, err)
	}
	if err != nil {
		return nil, nil, newError(KindStorage, StepAuthenticating, err)
	}
	return sess, u, nil
}

// ProviderProfile decrypts the user's stored token and asks the provider who it belongs to.
func (s *Service) ProviderProfile(ctx context.Context, userID string) (*oauth2.Profile, error) {
	ctx, span := s.tracer.Start(ctx, "auth.ProviderProfile")
	defer span.End()

	stored, err := s.users.GetToken(ctx, userID)
	if errors.Is(err, user.ErrNotFound) {
		return nil, newError(KindUnauthorized, StepLoadingToken, err)
	}
	if err != nil {
		return nil, newError(KindStorage, StepLoadingToken, err)
	}

	accessToken, err := s.cipher.Decrypt(tokencipher.EncryptedToken{Ciphertext: stored.Ciphertext, IV: stored.IV})
	if err != nil {
		return nil, newError(KindCrypto, StepDecryptingToken, err)
	}

	profile, err := s.provider.FetchProfile(ctx, &oauth2.Token{AccessToken: accessToken})
	if err != nil {
		return nil, newError(KindUpstream, StepFetchingProfile, err)
	}
	return profile, nil
}

// Logout revokes a session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return newError(KindStorage, StepLoggingOut, err)
	}
	return nil
}
