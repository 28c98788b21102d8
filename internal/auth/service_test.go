package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ghlogin/internal/user"
	"ghlogin/pkg/cache"
	"ghlogin/pkg/db"
	"ghlogin/pkg/idgen"
	"ghlogin/pkg/logger"
	"ghlogin/pkg/oauth2"
	"ghlogin/pkg/session"
	"ghlogin/pkg/tokencipher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a mock implementation of oauth2.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) GetName() string {
	return "github"
}

func (m *MockProvider) AuthCodeURL(state string) string {
	return m.Called(state).String(0)
}

func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	args := m.Called(ctx, code)
	tok, _ := args.Get(0).(*oauth2.Token)
	return tok, args.Error(1)
}

func (m *MockProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (*oauth2.Profile, error) {
	args := m.Called(ctx, token)
	profile, _ := args.Get(0).(*oauth2.Profile)
	return profile, args.Error(1)
}

type harness struct {
	svc      *Service
	provider *MockProvider
	store    *user.Store
	client   *db.SQLClient
	cipher   *tokencipher.Cipher
	sessions *session.Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := db.SQLiteDSN(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, db.Migrate(db.DriverSQLite, dsn))
	client, err := db.NewSQLClient(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewMemoryCache(time.Hour)
	t.Cleanup(func() { _ = c.Close() })

	cipher, err := tokencipher.New(bytes.Repeat([]byte{0x11}, tokencipher.KeySize))
	require.NoError(t, err)

	ids, err := idgen.NewSnowflakeGenerator(1)
	require.NoError(t, err)

	h := &harness{
		provider: new(MockProvider),
		store:    user.NewStore(client),
		client:   client,
		cipher:   cipher,
		sessions: session.NewIssuer(c, time.Hour),
	}
	h.svc = NewService(h.provider, h.cipher, h.store, h.sessions, ids, logger.Nop{})
	return h
}

func strPtr(s string) *string { return &s }

func aliceProfile() *oauth2.Profile {
	return &oauth2.Profile{
		ExternalID:  "42",
		Username:    "alice",
		Email:       strPtr("a@x.com"),
		DisplayName: strPtr("Alice"),
	}
}

func (h *harness) providerAccepts(code, accessToken string, profile *oauth2.Profile) {
	tok := &oauth2.Token{AccessToken: accessToken}
	h.provider.On("ExchangeCode", mock.Anything, code).Return(tok, nil)
	h.provider.On("FetchProfile", mock.Anything, tok).Return(profile, nil)
}

func (h *harness) countUsers(t *testing.T, externalID string) int {
	t.Helper()
	var n int
	require.NoError(t, h.client.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM users WHERE external_id = ?", externalID).Scan(&n))
	return n
}

func (h *harness) storedToken(t *testing.T, userID string) (string, []byte) {
	t.Helper()
	stored, err := h.store.GetToken(context.Background(), userID)
	require.NoError(t, err)
	plaintext, err := h.cipher.Decrypt(tokencipher.EncryptedToken{Ciphertext: stored.Ciphertext, IV: stored.IV})
	require.NoError(t, err)
	return plaintext, stored.IV
}

func validRequest() CallbackRequest {
	return CallbackRequest{Code: "abc", State: "s1", StoredState: "s1"}
}

func requireKind(t *testing.T, err error, kind Kind, step Step) *Error {
	t.Helper()
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, kind, authErr.Kind)
	assert.Equal(t, step, authErr.Step)
	return authErr
}

func TestHandleCallback_NewUser(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("abc", "tok", aliceProfile())
	ctx := context.Background()

	res, err := h.svc.HandleCallback(ctx, validRequest())
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "42", res.User.ExternalID)
	assert.Equal(t, "alice", res.User.Username)
	assert.Equal(t, 1, h.countUsers(t, "42"))

	plaintext, _ := h.storedToken(t, res.User.ID)
	assert.Equal(t, "tok", plaintext)

	sess, err := h.sessions.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, sess.UserID)
	h.provider.AssertExpectations(t)
}

func TestHandleCallback_ExistingUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	oldToken, err := h.cipher.Encrypt("old")
	require.NoError(t, err)
	existing, err := h.store.CreateUser(ctx, "existing-id", aliceProfile(), oldToken)
	require.NoError(t, err)

	renamed := aliceProfile()
	renamed.Username = "alice-renamed"
	renamed.Email = nil
	h.providerAccepts("abc", "tok", renamed)

	res, err := h.svc.HandleCallback(ctx, validRequest())
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.Equal(t, existing.ID, res.User.ID)
	assert.Equal(t, res.User.ID, res.Session.UserID)
	assert.Equal(t, 1, h.countUsers(t, "42"))

	plaintext, iv := h.storedToken(t, existing.ID)
	assert.Equal(t, "tok", plaintext)
	assert.NotEqual(t, oldToken.IV, iv)

	// Profile fields keep their first-login values.
	stored, err := h.store.GetByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
	require.NotNil(t, stored.Email)
	assert.Equal(t, "a@x.com", *stored.Email)
}

func TestHandleCallback_ReplayKeepsOneUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.providerAccepts("code-1", "tok-1", aliceProfile())
	h.providerAccepts("code-2", "tok-2", aliceProfile())

	first, err := h.svc.HandleCallback(ctx, CallbackRequest{Code: "code-1", State: "s", StoredState: "s"})
	require.NoError(t, err)
	_, firstIV := h.storedToken(t, first.User.ID)

	second, err := h.svc.HandleCallback(ctx, CallbackRequest{Code: "code-2", State: "s", StoredState: "s"})
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, 1, h.countUsers(t, "42"))

	plaintext, secondIV := h.storedToken(t, first.User.ID)
	assert.Equal(t, "tok-2", plaintext)
	assert.NotEqual(t, firstIV, secondIV)
}

func TestHandleCallback_RejectsBadRequestWithoutSideEffects(t *testing.T) {
	cases := map[string]CallbackRequest{
		"state mismatch":      {Code: "abc", State: "s1", StoredState: "s2"},
		"missing code":        {State: "s1", StoredState: "s1"},
		"missing state":       {Code: "abc", StoredState: "s1"},
		"missing storedState": {Code: "abc", State: "s1"},
		"all empty":           {},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.svc.HandleCallback(context.Background(), req)
			authErr := requireKind(t, err, KindBadRequest, StepValidatingRequest)

			status, message := authErr.Response()
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotContains(t, message, "abc")
			assert.NotContains(t, message, "s1")

			h.provider.AssertNotCalled(t, "ExchangeCode", mock.Anything, mock.Anything)
			h.provider.AssertNotCalled(t, "FetchProfile", mock.Anything, mock.Anything)
			assert.Equal(t, 0, h.countUsers(t, "42"))
		})
	}
}

func TestHandleCallback_ProviderRejectsCode(t *testing.T) {
	h := newHarness(t)
	h.provider.On("ExchangeCode", mock.Anything, "abc").
		Return(nil, &oauth2.ProtocolError{Code: "bad_verification_code", Description: "code expired"}).Once()

	_, err := h.svc.HandleCallback(context.Background(), validRequest())
	authErr := requireKind(t, err, KindOAuthProtocol, StepExchangingCode)

	status, message := authErr.Response()
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "code expired", message)

	h.provider.AssertNumberOfCalls(t, "ExchangeCode", 1)
	h.provider.AssertNotCalled(t, "FetchProfile", mock.Anything, mock.Anything)
	assert.Equal(t, 0, h.countUsers(t, "42"))
}

func TestHandleCallback_ProviderRejectsCodeWithoutDescription(t *testing.T) {
	h := newHarness(t)
	h.provider.On("ExchangeCode", mock.Anything, "abc").
		Return(nil, &oauth2.ProtocolError{Code: "invalid_grant"})

	_, err := h.svc.HandleCallback(context.Background(), validRequest())
	authErr := requireKind(t, err, KindOAuthProtocol, StepExchangingCode)

	_, message := authErr.Response()
	assert.Equal(t, "Unknown OAuth error.", message)
}

func TestHandleCallback_UpstreamFailures(t *testing.T) {
	t.Run("exchange network failure", func(t *testing.T) {
		h := newHarness(t)
		h.provider.On("ExchangeCode", mock.Anything, "abc").
			Return(nil, errors.New("identity provider unavailable: dial tcp: i/o timeout")).Once()

		_, err := h.svc.HandleCallback(context.Background(), validRequest())
		authErr := requireKind(t, err, KindUpstream, StepExchangingCode)

		status, message := authErr.Response()
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, "Internal server error.", message)
		h.provider.AssertNumberOfCalls(t, "ExchangeCode", 1)
	})

	t.Run("profile fetch failure", func(t *testing.T) {
		h := newHarness(t)
		tok := &oauth2.Token{AccessToken: "tok"}
		h.provider.On("ExchangeCode", mock.Anything, "abc").Return(tok, nil)
		h.provider.On("FetchProfile", mock.Anything, tok).Return(nil, oauth2.ErrUpstream)

		_, err := h.svc.HandleCallback(context.Background(), validRequest())
		authErr := requireKind(t, err, KindUpstream, StepFetchingProfile)

		_, message := authErr.Response()
		assert.NotContains(t, message, "tok")
		assert.Equal(t, 0, h.countUsers(t, "42"))
	})
}

type failingCipher struct{}

func (failingCipher) Encrypt(string) (tokencipher.EncryptedToken, error) {
	return tokencipher.EncryptedToken{}, tokencipher.ErrCrypto
}

func (failingCipher) Decrypt(tokencipher.EncryptedToken) (string, error) {
	return "", tokencipher.ErrCrypto
}

func TestHandleCallback_EncryptionFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("abc", "tok", aliceProfile())
	ids, err := idgen.NewSnowflakeGenerator(2)
	require.NoError(t, err)
	svc := NewService(h.provider, failingCipher{}, h.store, h.sessions, ids, logger.Nop{})

	_, err = svc.HandleCallback(context.Background(), validRequest())
	requireKind(t, err, KindCrypto, StepEncryptingToken)
	assert.Equal(t, 0, h.countUsers(t, "42"))
}

// staleFirstRead hides the row on the first lookup, as when a concurrent
// first login commits between our lookup and our insert.
type staleFirstRead struct {
	*user.Store
	mu    sync.Mutex
	reads int
}

func (s *staleFirstRead) FindByExternalID(ctx context.Context, externalID string) (*user.User, error) {
	s.mu.Lock()
	s.reads++
	first := s.reads == 1
	s.mu.Unlock()
	if first {
		return nil, nil
	}
	return s.Store.FindByExternalID(ctx, externalID)
}

func TestHandleCallback_ConflictRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	winnerToken, err := h.cipher.Encrypt("winner-tok")
	require.NoError(t, err)
	winner, err := h.store.CreateUser(ctx, "winner-id", aliceProfile(), winnerToken)
	require.NoError(t, err)

	h.providerAccepts("abc", "loser-tok", aliceProfile())
	ids, err := idgen.NewSnowflakeGenerator(3)
	require.NoError(t, err)
	stale := &staleFirstRead{Store: h.store}
	svc := NewService(h.provider, h.cipher, stale, h.sessions, ids, logger.Nop{})

	res, err := svc.HandleCallback(ctx, validRequest())
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.Equal(t, winner.ID, res.User.ID)
	assert.Equal(t, winner.ID, res.Session.UserID)
	assert.Equal(t, 2, stale.reads)
	assert.Equal(t, 1, h.countUsers(t, "42"))

	plaintext, _ := h.storedToken(t, winner.ID)
	assert.Equal(t, "loser-tok", plaintext)
}

// MockUserStore is a mock implementation of UserStore
type MockUserStore struct {
	mock.Mock
}

func (m *MockUserStore) FindByExternalID(ctx context.Context, externalID string) (*user.User, error) {
	args := m.Called(ctx, externalID)
	u, _ := args.Get(0).(*user.User)
	return u, args.Error(1)
}

func (m *MockUserStore) CreateUser(ctx context.Context, id string, profile *oauth2.Profile, token tokencipher.EncryptedToken) (*user.User, error) {
	args := m.Called(ctx, id, profile, token)
	u, _ := args.Get(0).(*user.User)
	return u, args.Error(1)
}

func (m *MockUserStore) UpsertToken(ctx context.Context, userID string, token tokencipher.EncryptedToken) error {
	return m.Called(ctx, userID, token).Error(0)
}

func (m *MockUserStore) GetByID(ctx context.Context, id string) (*user.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*user.User)
	return u, args.Error(1)
}

func (m *MockUserStore) GetToken(ctx context.Context, userID string) (*user.Token, error) {
	args := m.Called(ctx, userID)
	t, _ := args.Get(0).(*user.Token)
	return t, args.Error(1)
}

func TestHandleCallback_ConflictRecoveryFailureIsStorage(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("abc", "tok", aliceProfile())

	t.Run("row missing on re-read", func(t *testing.T) {
		store := new(MockUserStore)
		store.On("FindByExternalID", mock.Anything, "42").Return(nil, nil).Twice()
		store.On("CreateUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, user.ErrConflict).Once()

		ids, _ := idgen.NewSnowflakeGenerator(4)
		svc := NewService(h.provider, h.cipher, store, h.sessions, ids, logger.Nop{})

		_, err := svc.HandleCallback(context.Background(), validRequest())
		requireKind(t, err, KindStorage, StepResolvingUser)
		store.AssertExpectations(t)
		store.AssertNotCalled(t, "UpsertToken", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("re-read fails", func(t *testing.T) {
		store := new(MockUserStore)
		store.On("FindByExternalID", mock.Anything, "42").Return(nil, nil).Once()
		store.On("CreateUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, user.ErrConflict).Once()
		store.On("FindByExternalID", mock.Anything, "42").Return(nil, user.ErrStorage).Once()

		ids, _ := idgen.NewSnowflakeGenerator(5)
		svc := NewService(h.provider, h.cipher, store, h.sessions, ids, logger.Nop{})

		_, err := svc.HandleCallback(context.Background(), validRequest())
		authErr := requireKind(t, err, KindStorage, StepResolvingUser)
		status, _ := authErr.Response()
		assert.Equal(t, http.StatusInternalServerError, status)
	})
}

func TestHandleCallback_ConcurrentFirstLogin(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("code-a", "tok-a", aliceProfile())
	h.providerAccepts("code-b", "tok-b", aliceProfile())

	var (
		wg      sync.WaitGroup
		results = make([]*CallbackResult, 2)
		errs    = make([]error, 2)
	)
	for i, code := range []string{"code-a", "code-b"} {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			results[i], errs[i] = h.svc.HandleCallback(context.Background(),
				CallbackRequest{Code: code, State: "s", StoredState: "s"})
		}(i, code)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].User.ID, results[1].User.ID)
	assert.NotEqual(t, results[0].Session.ID, results[1].Session.ID)
	assert.Equal(t, 1, h.countUsers(t, "42"))
}

// MockSessionIssuer is a mock implementation of SessionIssuer
type MockSessionIssuer struct {
	mock.Mock
}

func (m *MockSessionIssuer) Create(ctx context.Context, userID string) (*session.Session, error) {
	args := m.Called(ctx, userID)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *MockSessionIssuer) Get(ctx context.Context, id string) (*session.Session, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *MockSessionIssuer) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestHandleCallback_SessionStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("abc", "tok", aliceProfile())

	sessions := new(MockSessionIssuer)
	sessions.On("Create", mock.Anything, mock.AnythingOfType("string")).
		Return(nil, session.ErrStorage).Once()

	ids, _ := idgen.NewSnowflakeGenerator(6)
	svc := NewService(h.provider, h.cipher, h.store, sessions, ids, logger.Nop{})

	_, err := svc.HandleCallback(context.Background(), validRequest())
	requireKind(t, err, KindStorage, StepIssuingSession)
	sessions.AssertExpectations(t)
}

func TestProviderProfile_DecryptsStoredToken(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("abc", "tok", aliceProfile())
	ctx := context.Background()

	res, err := h.svc.HandleCallback(ctx, validRequest())
	require.NoError(t, err)

	profile, err := h.svc.ProviderProfile(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	h.provider.AssertNumberOfCalls(t, "FetchProfile", 2)

	_, err = h.svc.ProviderProfile(ctx, "nobody")
	requireKind(t, err, KindUnauthorized, StepLoadingToken)
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	h.providerAccepts("abc", "tok", aliceProfile())
	ctx := context.Background()

	res, err := h.svc.HandleCallback(ctx, validRequest())
	require.NoError(t, err)

	sess, u, err := h.svc.Authenticate(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.ID, sess.ID)
	assert.Equal(t, "alice", u.Username)

	require.NoError(t, h.svc.Logout(ctx, res.Session.ID))
	_, _, err = h.svc.Authenticate(ctx, res.Session.ID)
	requireKind(t, err, KindUnauthorized, StepAuthenticating)
}
