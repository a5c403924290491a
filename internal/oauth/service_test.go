package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/linkhub-dev/linkhub/internal/directory"
	"github.com/linkhub-dev/linkhub/internal/link"
	apperrors "github.com/linkhub-dev/linkhub/internal/platform/errors"
	"github.com/linkhub-dev/linkhub/internal/provider"
	"github.com/linkhub-dev/linkhub/internal/provision"
	"github.com/linkhub-dev/linkhub/internal/tokencrypt"
)

type memStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]State)}
}

func (m *memStateStore) PutState(ctx context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Token] = state
	return nil
}

func (m *memStateStore) ConsumeState(ctx context.Context, token string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[token]
	if !ok {
		return State{}, ErrStateNotFound
	}
	delete(m.states, token)
	return state, nil
}

func (m *memStateStore) SweepExpiredStates(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, state := range m.states {
		if state.Expired(now) {
			delete(m.states, token)
			removed++
		}
	}
	return removed, nil
}

type memLinkStore struct {
	mu       sync.Mutex
	accounts map[string]link.Account
}

func newMemLinkStore() *memLinkStore {
	return &memLinkStore{accounts: make(map[string]link.Account)}
}

func linkKey(userID, providerID string) string {
	return userID + "|" + providerID
}

func (m *memLinkStore) UpsertLink(ctx context.Context, account link.Account) error {
	// Honor cancellation the way database/sql ExecContext would.
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[linkKey(account.UserID, account.Provider)] = account
	return nil
}

func (m *memLinkStore) GetLink(ctx context.Context, userID, providerID string) (link.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[linkKey(userID, providerID)]
	if !ok || !account.Active {
		return link.Account{}, ErrLinkNotFound
	}
	return account, nil
}

func (m *memLinkStore) ListLinks(ctx context.Context, userID string) ([]link.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var accounts []link.Account
	for _, account := range m.accounts {
		if account.UserID == userID && account.Active {
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

func (m *memLinkStore) UpdateLinkTokens(ctx context.Context, account link.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(account.UserID, account.Provider)
	if _, ok := m.accounts[key]; !ok {
		return ErrLinkNotFound
	}
	m.accounts[key] = account
	return nil
}

func (m *memLinkStore) DeactivateLink(ctx context.Context, userID, providerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(userID, providerID)
	account, ok := m.accounts[key]
	if !ok {
		return nil
	}
	account.Active = false
	account.UpdatedAt = now
	m.accounts[key] = account
	return nil
}

func (m *memLinkStore) DeleteLink(ctx context.Context, userID, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, linkKey(userID, providerID))
	return nil
}

func (m *memLinkStore) FindExpiringLinks(ctx context.Context, cutoff time.Time, limit int) ([]link.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var accounts []link.Account
	for _, account := range m.accounts {
		if !account.Active || account.TokenExpiresAt.IsZero() {
			continue
		}
		if !account.TokenExpiresAt.After(cutoff) && len(account.RefreshToken) > 0 {
			accounts = append(accounts, account)
		}
		if len(accounts) == limit {
			break
		}
	}
	return accounts, nil
}

type fakeProvider struct {
	id              string
	pkce            bool
	scopes          []string
	token           provider.Token
	exchangeErr     error
	exchangeCalls   int
	lastVerifier    string
	profile         provider.Profile
	profileErr      error
	profileErrTimes int
	profileCalls    int
	profileHook     func()
	refreshed       provider.Token
	refreshErr      error
	revoked         []string
	revokeErr       error
}

func (f *fakeProvider) ID() string              { return f.id }
func (f *fakeProvider) DisplayName() string     { return strings.ToUpper(f.id[:1]) + f.id[1:] }
func (f *fakeProvider) DefaultScopes() []string { return f.scopes }
func (f *fakeProvider) UsesPKCE() bool          { return f.pkce }

func (f *fakeProvider) AuthorizationURL(state string, scopes []string, codeChallenge string) (string, error) {
	url := "https://" + f.id + ".example/authorize?state=" + state
	if codeChallenge != "" {
		url += "&code_challenge=" + codeChallenge
	}
	return url, nil
}

func (f *fakeProvider) Exchange(ctx context.Context, code, codeVerifier string) (provider.Token, error) {
	f.exchangeCalls++
	f.lastVerifier = codeVerifier
	if f.exchangeErr != nil {
		return provider.Token{}, f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	if f.refreshErr != nil {
		return provider.Token{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeProvider) FetchProfile(ctx context.Context, accessToken string) (provider.Profile, error) {
	f.profileCalls++
	if f.profileHook != nil {
		f.profileHook()
	}
	if f.profileErr != nil && (f.profileErrTimes == 0 || f.profileCalls <= f.profileErrTimes) {
		return provider.Profile{}, f.profileErr
	}
	return f.profile, nil
}

func (f *fakeProvider) Revoke(ctx context.Context, accessToken string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, accessToken)
	return nil
}

type fakeProvisioner struct {
	outcome    provision.Outcome
	err        error
	verified   bool
	verifyErr  error
	calls      int
	lastEmail  string
	registered string
}

func (f *fakeProvisioner) FindUserByEmail(ctx context.Context, email string) (string, error) {
	return "", nil
}

func (f *fakeProvisioner) Provision(ctx context.Context, req provision.Request) (provision.Outcome, error) {
	f.calls++
	f.lastEmail = req.Email
	if f.err != nil {
		return provision.Outcome{}, f.err
	}
	return f.outcome, nil
}

func (f *fakeProvisioner) IsVerified(ctx context.Context, externalUserID string) (bool, error) {
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return f.verified, nil
}

func (f *fakeProvisioner) RegistrationURL(email string) string {
	return f.registered
}

type fakeDirectory struct {
	users map[string]directory.User
	err   error
}

func (f *fakeDirectory) LookupUser(ctx context.Context, userID string) (directory.User, error) {
	if f.err != nil {
		return directory.User{}, f.err
	}
	user, ok := f.users[userID]
	if !ok {
		return directory.User{}, directory.ErrUserNotFound
	}
	return user, nil
}

type serviceFixture struct {
	service     *Service
	states      *memStateStore
	links       *memLinkStore
	provider    *fakeProvider
	provisioner *fakeProvisioner
	codec       *tokencrypt.Codec
	now         time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	codec, err := tokencrypt.New(bytes.Repeat([]byte{0x42}, tokencrypt.KeySize))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fp := &fakeProvider{
		id:     "google",
		pkce:   true,
		scopes: []string{"openid", "email"},
		token: provider.Token{
			AccessToken:  "access-plain",
			RefreshToken: "refresh-plain",
			ExpiresAt:    now.Add(time.Hour),
		},
		profile: provider.Profile{ExternalUserID: "ext-1", Email: "ada@example.com"},
	}
	provisioner := &fakeProvisioner{verified: true}

	fixture := &serviceFixture{
		states:      newMemStateStore(),
		links:       newMemLinkStore(),
		provider:    fp,
		provisioner: provisioner,
		codec:       codec,
		now:         now,
	}
	fixture.service = NewService(ServiceConfig{
		Providers:    provider.NewRegistryFromClients(fp),
		Provisioners: map[string]provision.Client{"google": provisioner},
		States:       fixture.states,
		Links:        fixture.links,
		Users: &fakeDirectory{users: map[string]directory.User{
			"user-1": {ID: "user-1", Email: "ada@example.com", Name: "Ada"},
		}},
		Codec:  codec,
		Logger: zap.NewNop(),
	})
	fixture.service.clock = func() time.Time { return fixture.now }
	return fixture
}

func (f *serviceFixture) initiate(t *testing.T) InitiateResult {
	t.Helper()
	result, err := f.service.Initiate(context.Background(), InitiateInput{
		UserID:      "user-1",
		Provider:    "google",
		RedirectURL: "https://app.example/done",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return result
}

func TestInitiate(t *testing.T) {
	fixture := newServiceFixture(t)

	result := fixture.initiate(t)
	if result.AuthorizationURL == "" {
		t.Fatal("expected an authorization URL")
	}
	if !strings.Contains(result.AuthorizationURL, "state="+result.StateToken) {
		t.Fatal("authorization URL must carry the state token")
	}
	if !strings.Contains(result.AuthorizationURL, "code_challenge=") {
		t.Fatal("PKCE provider must get a code challenge")
	}
	if !result.ExpiresAt.Equal(fixture.now.Add(DefaultStateTTL)) {
		t.Fatalf("expected default TTL expiry, got %v", result.ExpiresAt)
	}

	stored, err := fixture.states.ConsumeState(context.Background(), result.StateToken)
	if err != nil {
		t.Fatalf("state was not stored: %v", err)
	}
	if stored.UserID != "user-1" || stored.Provider != "google" {
		t.Fatalf("unexpected stored state: %+v", stored)
	}
	if len(stored.Scopes) != 2 {
		t.Fatalf("expected provider default scopes, got %v", stored.Scopes)
	}
}

func TestInitiateUnknownProvider(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.Initiate(context.Background(), InitiateInput{
		UserID:   "user-1",
		Provider: "linkedin",
	})
	if apperrors.CodeOf(err) != apperrors.CodeProviderNotFound {
		t.Fatalf("expected provider not found, got %v", err)
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a domain error, got %T", err)
	}
	if !strings.Contains(domainErr.Metadata["known_providers"], "google") {
		t.Fatalf("expected known providers in metadata, got %v", domainErr.Metadata)
	}
}

func TestCallbackSuccess(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ExternalUserID != "ext-1" {
		t.Fatalf("expected external user id, got %q", result.ExternalUserID)
	}
	if result.RedirectURL != "https://app.example/done" {
		t.Fatalf("expected redirect URL from state, got %q", result.RedirectURL)
	}
	if fixture.provider.lastVerifier == "" {
		t.Fatal("exchange must receive the stored code verifier")
	}

	account, err := fixture.links.GetLink(context.Background(), "user-1", "google")
	if err != nil {
		t.Fatalf("link was not stored: %v", err)
	}
	if bytes.Contains(account.AccessToken, []byte("access-plain")) {
		t.Fatal("access token stored in plaintext")
	}
	enc, err := tokencrypt.UnmarshalEncryptedToken(account.AccessToken)
	if err != nil {
		t.Fatalf("unmarshal stored token: %v", err)
	}
	plaintext, err := fixture.codec.DecryptWithContext(enc, account.CryptoContext())
	if err != nil {
		t.Fatalf("decrypt stored token: %v", err)
	}
	if string(plaintext) != "access-plain" {
		t.Fatalf("round trip mismatch: %q", plaintext)
	}
}

func TestCallbackStateSingleUse(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)

	input := CallbackInput{Provider: "google", Code: "auth-code", StateToken: started.StateToken}
	if _, err := fixture.service.Callback(context.Background(), input); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	_, err := fixture.service.Callback(context.Background(), input)
	if apperrors.CodeOf(err) != apperrors.CodeInvalidState {
		t.Fatalf("expected invalid state on replay, got %v", err)
	}
	if fixture.provider.exchangeCalls != 1 {
		t.Fatalf("a replayed state must not reach the token endpoint, got %d exchanges", fixture.provider.exchangeCalls)
	}
}

func TestCallbackCallerMismatch(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)

	_, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
		CallerID:   "user-2",
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidState {
		t.Fatalf("expected invalid state for a foreign caller, got %v", err)
	}
	if fixture.provider.exchangeCalls != 0 {
		t.Fatal("a foreign caller must not reach the token endpoint")
	}
}

func TestCallbackFinishesAfterCallerDisconnects(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)

	ctx, cancel := context.WithCancel(context.Background())
	fixture.provider.profileHook = cancel

	result, err := fixture.service.Callback(ctx, CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !result.Success {
		t.Fatalf("a dropped caller must not abort the flow, got %+v", result)
	}
	if _, err := fixture.links.GetLink(context.Background(), "user-1", "google"); err != nil {
		t.Fatalf("tokens were issued but no link was stored: %v", err)
	}
}

func TestCallbackExpiredState(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)

	fixture.now = fixture.now.Add(DefaultStateTTL + time.Second)
	_, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidState {
		t.Fatalf("expected invalid state when expired, got %v", err)
	}

	// The expired state must be gone, not merely rejected.
	if _, err := fixture.states.ConsumeState(context.Background(), started.StateToken); !errors.Is(err, ErrStateNotFound) {
		t.Fatal("expired state must be deleted on use")
	}
}

func TestCallbackProviderMismatch(t *testing.T) {
	fixture := newServiceFixture(t)
	other := &fakeProvider{id: "github"}
	fixture.service.providers = provider.NewRegistryFromClients(fixture.provider, other)
	started := fixture.initiate(t)

	_, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "github",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidState {
		t.Fatalf("expected invalid state on provider mismatch, got %v", err)
	}
}

func TestCallbackProviderErrorPassthrough(t *testing.T) {
	fixture := newServiceFixture(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:         "google",
		ProviderError:    "access_denied",
		ProviderErrorMsg: "the user declined",
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Success {
		t.Fatal("declined authorization must not succeed")
	}
	if result.ErrorCode != "access_denied" {
		t.Fatalf("expected provider error code verbatim, got %q", result.ErrorCode)
	}
}

func TestCallbackExchangeRejected(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.exchangeErr = &provider.OAuthError{
		Provider: "google", Code: "invalid_grant", StatusCode: 400,
	}
	started := fixture.initiate(t)

	_, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "bad-code",
		StateToken: started.StateToken,
	})
	if apperrors.CodeOf(err) != apperrors.CodeOAuthError {
		t.Fatalf("expected oauth error, got %v", err)
	}
}

func TestCallbackExchangeTransportFailure(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.exchangeErr = fmt.Errorf("dial tcp: connection refused")
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("transport failures must fold into the result, got %v", err)
	}
	if result.Success || result.ErrorCode != "exchange_failed" {
		t.Fatalf("expected exchange_failed, got %+v", result)
	}
}

func TestCallbackProvisionsMissingUser(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.profileErr = provider.ErrProfileNotFound
	fixture.provider.profileErrTimes = 1
	fixture.provisioner.outcome = provision.Outcome{
		Kind:           provision.KindCreated,
		ExternalUserID: "ext-1",
	}
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success after provisioning, got %+v", result)
	}
	if fixture.provisioner.calls != 1 {
		t.Fatalf("expected one provisioning call, got %d", fixture.provisioner.calls)
	}
	if fixture.provisioner.lastEmail != "ada@example.com" {
		t.Fatalf("provisioner must receive the directory email, got %q", fixture.provisioner.lastEmail)
	}
	if fixture.provider.profileCalls != 2 {
		t.Fatalf("expected exactly one profile retry, got %d calls", fixture.provider.profileCalls)
	}
}

func TestCallbackProvisioningFails(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.profileErr = provider.ErrProfileNotFound
	fixture.provisioner.outcome = provision.Outcome{
		Kind:        provision.KindFailed,
		Reason:      "registration closed",
		FallbackURL: "https://signup.example",
	}
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Success || result.ErrorCode != "provisioning_failed" {
		t.Fatalf("expected provisioning_failed, got %+v", result)
	}
	if result.RequiresAction == nil || result.RequiresAction.Kind != ActionRegisterManually {
		t.Fatalf("expected a manual registration action, got %+v", result.RequiresAction)
	}
	if result.RequiresAction.URL != "https://signup.example" {
		t.Fatalf("expected fallback URL, got %q", result.RequiresAction.URL)
	}
}

func TestCallbackProvisioningPending(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.profileErr = provider.ErrProfileNotFound
	fixture.provisioner.outcome = provision.Outcome{
		Kind:         provision.KindPendingVerification,
		Instructions: "check your inbox",
	}
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Success || result.ErrorCode != "pending_verification" {
		t.Fatalf("expected pending_verification, got %+v", result)
	}
	if result.RequiresAction == nil || result.RequiresAction.Kind != ActionVerifyAccount {
		t.Fatalf("expected a verification action, got %+v", result.RequiresAction)
	}
}

func TestCallbackProvisionedButUnverified(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.profileErr = provider.ErrProfileNotFound
	fixture.provisioner.outcome = provision.Outcome{
		Kind:           provision.KindCreated,
		ExternalUserID: "ext-1",
	}
	fixture.provisioner.verified = false
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Success || result.ErrorCode != "pending_verification" {
		t.Fatalf("expected pending_verification for unverified account, got %+v", result)
	}
}

func TestCallbackNoProvisionerConfigured(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.profileErr = provider.ErrProfileNotFound
	fixture.service.provisioners = nil
	started := fixture.initiate(t)

	result, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider:   "google",
		Code:       "auth-code",
		StateToken: started.StateToken,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if result.Success || result.ErrorCode != "user_not_found" {
		t.Fatalf("expected user_not_found without a provisioner, got %+v", result)
	}
}

func TestCallbackRelinkReplacesTokens(t *testing.T) {
	fixture := newServiceFixture(t)

	first := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "code-1", StateToken: first.StateToken,
	}); err != nil {
		t.Fatalf("first link: %v", err)
	}

	fixture.provider.token.AccessToken = "access-plain-2"
	second := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "code-2", StateToken: second.StateToken,
	}); err != nil {
		t.Fatalf("second link: %v", err)
	}

	accounts, err := fixture.links.ListLinks(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("relinking must keep one active row, got %d", len(accounts))
	}
	creds, err := fixture.service.Credentials(context.Background(), "user-1", "google")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.AccessToken != "access-plain-2" {
		t.Fatalf("expected replaced token, got %q", creds.AccessToken)
	}
}

func TestDisconnect(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	result, err := fixture.service.Disconnect(context.Background(), DisconnectInput{
		UserID:       "user-1",
		Provider:     "google",
		RevokeTokens: true,
	})
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !result.Success || !result.TokensRevoked {
		t.Fatalf("expected revoked disconnect, got %+v", result)
	}
	if len(fixture.provider.revoked) != 1 || fixture.provider.revoked[0] != "access-plain" {
		t.Fatalf("provider must receive the decrypted token, got %v", fixture.provider.revoked)
	}
	if _, err := fixture.links.GetLink(context.Background(), "user-1", "google"); !errors.Is(err, ErrLinkNotFound) {
		t.Fatal("link must be inactive after disconnect")
	}
}

func TestDisconnectNotLinked(t *testing.T) {
	fixture := newServiceFixture(t)

	result, err := fixture.service.Disconnect(context.Background(), DisconnectInput{
		UserID:   "user-1",
		Provider: "google",
	})
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if result.Success {
		t.Fatal("disconnecting a missing link must report no-op")
	}
}

func TestDisconnectRevocationFailureStillDisconnects(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.revokeErr = fmt.Errorf("revocation endpoint down")
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	result, err := fixture.service.Disconnect(context.Background(), DisconnectInput{
		UserID:       "user-1",
		Provider:     "google",
		RevokeTokens: true,
	})
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !result.Success || result.TokensRevoked {
		t.Fatalf("expected disconnect despite failed revocation, got %+v", result)
	}
}

func TestCredentialsRefreshesExpiredToken(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	fixture.now = fixture.now.Add(2 * time.Hour)
	fixture.provider.refreshed = provider.Token{
		AccessToken: "access-fresh",
		ExpiresAt:   fixture.now.Add(time.Hour),
	}

	creds, err := fixture.service.Credentials(context.Background(), "user-1", "google")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.AccessToken != "access-fresh" {
		t.Fatalf("expected refreshed token, got %q", creds.AccessToken)
	}

	// The refresh token must survive a response that omitted it.
	account, err := fixture.links.GetLink(context.Background(), "user-1", "google")
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if len(account.RefreshToken) == 0 {
		t.Fatal("stored refresh token must be kept when the provider omits it")
	}
}

func TestCredentialsExpiredWithoutRefreshToken(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.token.RefreshToken = ""
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	fixture.now = fixture.now.Add(2 * time.Hour)
	_, err := fixture.service.Credentials(context.Background(), "user-1", "google")
	if apperrors.CodeOf(err) != apperrors.CodeTokenExpired {
		t.Fatalf("expected token expired, got %v", err)
	}
}

func TestCredentialsRevokedRefreshToken(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	fixture.now = fixture.now.Add(2 * time.Hour)
	fixture.provider.refreshErr = &provider.OAuthError{
		Provider: "google", Code: "invalid_grant", StatusCode: 400,
	}

	_, err := fixture.service.Credentials(context.Background(), "user-1", "google")
	if apperrors.CodeOf(err) != apperrors.CodeTokenExpired {
		t.Fatalf("expected token expired on invalid_grant, got %v", err)
	}
}

func TestCredentialsNotLinked(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.Credentials(context.Background(), "user-1", "google")
	if apperrors.CodeOf(err) != apperrors.CodeLinkNotFound {
		t.Fatalf("expected link not found, got %v", err)
	}
}

func TestRefreshExpiring(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.provider.token.ExpiresAt = fixture.now.Add(3 * time.Minute)
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	fixture.provider.refreshed = provider.Token{
		AccessToken: "access-fresh",
		ExpiresAt:   fixture.now.Add(time.Hour),
	}

	refreshed, err := fixture.service.RefreshExpiring(context.Background(), 10)
	if err != nil {
		t.Fatalf("refresh expiring: %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("expected one refreshed link, got %d", refreshed)
	}

	creds, err := fixture.service.Credentials(context.Background(), "user-1", "google")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.AccessToken != "access-fresh" {
		t.Fatalf("expected the sweep to store the fresh token, got %q", creds.AccessToken)
	}
}

func TestIntegrations(t *testing.T) {
	fixture := newServiceFixture(t)
	started := fixture.initiate(t)
	if _, err := fixture.service.Callback(context.Background(), CallbackInput{
		Provider: "google", Code: "auth-code", StateToken: started.StateToken,
	}); err != nil {
		t.Fatalf("link: %v", err)
	}

	integrations, err := fixture.service.Integrations(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("integrations: %v", err)
	}
	if len(integrations) != 1 {
		t.Fatalf("expected one integration, got %d", len(integrations))
	}
	got := integrations[0]
	if got.Provider != "google" || got.ExternalUserID != "ext-1" {
		t.Fatalf("unexpected integration: %+v", got)
	}
	if !got.TokenHealthy {
		t.Fatal("fresh link must report a healthy token")
	}
}

func TestSweepStates(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.initiate(t)

	fixture.now = fixture.now.Add(DefaultStateTTL + time.Second)
	removed, err := fixture.service.SweepStates(context.Background())
	if err != nil {
		t.Fatalf("sweep states: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one swept state, got %d", removed)
	}
}
