package services

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/santhoshmp/LearningPlanner-sub001/internal/auth/cryptobox"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/entities"
	"github.com/santhoshmp/LearningPlanner-sub001/internal/domain/repositories"
)

var (
	testEncryptionKey     = []byte("0123456789abcdef0123456789abcdef")
	testLegacyPassphrase  = "legacy-pass"
	errFakeStorageFailure = errors.New("storage exploded")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBox(t *testing.T) *cryptobox.Box {
	t.Helper()
	box, err := cryptobox.New(testEncryptionKey, testLegacyPassphrase)
	if err != nil {
		t.Fatalf("failed to create box: %v", err)
	}
	return box
}

// legacySeal writes a plaintext in the pre-rotation envelope format so tests
// can exercise the upgrade path.
func legacySeal(t *testing.T, plaintext string) string {
	t.Helper()

	key, err := scrypt.Key([]byte(testLegacyPassphrase), []byte("salt"), 16384, 8, 1, 32)
	if err != nil {
		t.Fatalf("failed to derive legacy key: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		t.Fatalf("failed to generate iv: %v", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext)
}

// fakeAccountRepo is an in-memory AccountRepository
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*entities.Account

	// onCreate, when set, runs before each insert; a non-nil return aborts
	// the insert with that error. Race tests use it to slip a winner in.
	onCreate func(*entities.Account) error
}

var _ repositories.AccountRepository = (*fakeAccountRepo)(nil)

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[string]*entities.Account)}
}

func (r *fakeAccountRepo) Create(_ context.Context, account *entities.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.onCreate != nil {
		if err := r.onCreate(account); err != nil {
			return err
		}
	}
	for _, existing := range r.accounts {
		if existing.Email == account.Email {
			return repositories.ErrDuplicateEmail
		}
	}
	copied := *account
	r.accounts[account.ID] = &copied
	return nil
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id string) (*entities.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, repositories.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *fakeAccountRepo) GetByEmail(_ context.Context, email string) (*entities.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, account := range r.accounts {
		if account.Email == email {
			copied := *account
			return &copied, nil
		}
	}
	return nil, repositories.ErrAccountNotFound
}

func (r *fakeAccountRepo) Update(_ context.Context, account *entities.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.ID]; !ok {
		return repositories.ErrAccountNotFound
	}
	copied := *account
	r.accounts[account.ID] = &copied
	return nil
}

func (r *fakeAccountRepo) UpdateLastLogin(_ context.Context, accountID string, loginTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[accountID]
	if !ok {
		return repositories.ErrAccountNotFound
	}
	account.LastLoginAt = &loginTime
	return nil
}

func (r *fakeAccountRepo) ExistsByEmail(_ context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, account := range r.accounts {
		if account.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeAccountRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

// fakeIdentityRepo is an in-memory IdentityRepository. Reads return copies,
// so state only changes through the write methods.
type fakeIdentityRepo struct {
	mu         sync.Mutex
	identities map[string]*entities.LinkedIdentity
	writes     int

	onCreate func(*entities.LinkedIdentity) error
}

var _ repositories.IdentityRepository = (*fakeIdentityRepo)(nil)

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{identities: make(map[string]*entities.LinkedIdentity)}
}

func (r *fakeIdentityRepo) Create(_ context.Context, identity *entities.LinkedIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	if r.onCreate != nil {
		if err := r.onCreate(identity); err != nil {
			return err
		}
	}
	for _, existing := range r.identities {
		if existing.Provider == identity.Provider && existing.ProviderUserID == identity.ProviderUserID {
			return repositories.ErrDuplicateIdentity
		}
	}
	copied := *identity
	r.identities[identity.ID] = &copied
	return nil
}

func (r *fakeIdentityRepo) GetByProviderAndExternalID(_ context.Context, provider entities.Provider, providerUserID string) (*entities.LinkedIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, identity := range r.identities {
		if identity.Provider == provider && identity.ProviderUserID == providerUserID {
			copied := *identity
			return &copied, nil
		}
	}
	return nil, repositories.ErrIdentityNotFound
}

func (r *fakeIdentityRepo) GetByAccountAndProvider(_ context.Context, accountID string, provider entities.Provider) (*entities.LinkedIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, identity := range r.identities {
		if identity.AccountID == accountID && identity.Provider == provider {
			copied := *identity
			return &copied, nil
		}
	}
	return nil, repositories.ErrIdentityNotFound
}

func (r *fakeIdentityRepo) ListByAccountID(_ context.Context, accountID string) ([]*entities.LinkedIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entities.LinkedIdentity
	for _, identity := range r.identities {
		if identity.AccountID == accountID {
			copied := *identity
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeIdentityRepo) CountByAccountID(_ context.Context, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, identity := range r.identities {
		if identity.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (r *fakeIdentityRepo) UpdateTokens(_ context.Context, identityID string, encryptedAccessToken string, encryptedRefreshToken *string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	identity, ok := r.identities[identityID]
	if !ok {
		return repositories.ErrIdentityNotFound
	}
	identity.EncryptedAccessToken = encryptedAccessToken
	identity.EncryptedRefreshToken = encryptedRefreshToken
	identity.TokenExpiresAt = expiresAt
	identity.UpdatedAt = time.Now()
	return nil
}

func (r *fakeIdentityRepo) UpdateProfile(_ context.Context, updated *entities.LinkedIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	identity, ok := r.identities[updated.ID]
	if !ok {
		return repositories.ErrIdentityNotFound
	}
	identity.ProviderEmail = updated.ProviderEmail
	identity.ProviderDisplayName = updated.ProviderDisplayName
	identity.UpdatedAt = time.Now()
	return nil
}

func (r *fakeIdentityRepo) Delete(_ context.Context, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	if _, ok := r.identities[identityID]; !ok {
		return repositories.ErrIdentityNotFound
	}
	delete(r.identities, identityID)
	return nil
}

func (r *fakeIdentityRepo) ListTokenExpiringBefore(_ context.Context, cutoff time.Time, limit int) ([]*entities.LinkedIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entities.LinkedIdentity
	for _, identity := range r.identities {
		if identity.TokenExpiresAt != nil && !identity.TokenExpiresAt.After(cutoff) {
			copied := *identity
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(*out[j].TokenExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeIdentityRepo) get(t *testing.T, id string) *entities.LinkedIdentity {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[id]
	if !ok {
		t.Fatalf("identity %s not in repo", id)
	}
	copied := *identity
	return &copied
}

func (r *fakeIdentityRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}

func (r *fakeIdentityRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// put inserts directly, bypassing Create hooks and duplicate checks
func (r *fakeIdentityRepo) put(identity *entities.LinkedIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *identity
	r.identities[identity.ID] = &copied
}

// fakeAuditRepo is an in-memory append-only AuditRepository
type fakeAuditRepo struct {
	mu        sync.Mutex
	events    []*entities.SecurityEvent
	createErr error
}

var _ repositories.AuditRepository = (*fakeAuditRepo)(nil)

func newFakeAuditRepo() *fakeAuditRepo {
	return &fakeAuditRepo{}
}

func (r *fakeAuditRepo) Create(_ context.Context, event *entities.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	copied := *event
	r.events = append(r.events, &copied)
	return nil
}

func (r *fakeAuditRepo) GetByID(_ context.Context, id string) (*entities.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, event := range r.events {
		if event.ID == id {
			copied := *event
			return &copied, nil
		}
	}
	return nil, repositories.ErrAuditLogNotFound
}

func (r *fakeAuditRepo) List(_ context.Context, _ repositories.ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entities.SecurityEvent(nil), r.events...), int64(len(r.events)), nil
}

func (r *fakeAuditRepo) ListByAccount(_ context.Context, accountID string, _ repositories.ListSecurityEventsOptions) ([]*entities.SecurityEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entities.SecurityEvent
	for _, event := range r.events {
		if event.AccountID != nil && *event.AccountID == accountID {
			out = append(out, event)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeAuditRepo) CountByAction(_ context.Context, action entities.SecurityAction, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, event := range r.events {
		if event.Action == action && !event.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *fakeAuditRepo) CountFailuresByIP(_ context.Context, ipAddress string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, event := range r.events {
		if !event.Success && event.IPAddress != nil && *event.IPAddress == ipAddress && !event.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *fakeAuditRepo) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []*entities.SecurityEvent
	var removed int64
	for _, event := range r.events {
		if event.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	r.events = kept
	return removed, nil
}

func (r *fakeAuditRepo) actionCount(action entities.SecurityAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, event := range r.events {
		if event.Action == action {
			count++
		}
	}
	return count
}

func (r *fakeAuditRepo) last(t *testing.T) *entities.SecurityEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 {
		t.Fatal("no security events recorded")
	}
	return r.events[len(r.events)-1]
}

func (r *fakeAuditRepo) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// fakeProviderClient scripts the upstream provider boundary
type fakeProviderClient struct {
	mu            sync.Mutex
	exchangeCalls int
	userInfoCalls int
	refreshCalls  int

	exchangeFunc func(provider entities.Provider, code, verifier string) (*entities.OAuthTokenPair, error)
	userInfoFunc func(provider entities.Provider, tokens *entities.OAuthTokenPair) (*entities.ProviderIdentity, error)
	refreshFunc  func(provider entities.Provider, refreshToken string) (*entities.OAuthTokenPair, error)
}

var _ ProviderClient = (*fakeProviderClient)(nil)

func (c *fakeProviderClient) ExchangeCode(_ context.Context, provider entities.Provider, code, verifier string) (*entities.OAuthTokenPair, error) {
	c.mu.Lock()
	c.exchangeCalls++
	fn := c.exchangeFunc
	c.mu.Unlock()

	if fn == nil {
		return nil, errors.New("exchange not scripted")
	}
	return fn(provider, code, verifier)
}

func (c *fakeProviderClient) FetchUserInfo(_ context.Context, provider entities.Provider, tokens *entities.OAuthTokenPair) (*entities.ProviderIdentity, error) {
	c.mu.Lock()
	c.userInfoCalls++
	fn := c.userInfoFunc
	c.mu.Unlock()

	if fn == nil {
		return nil, errors.New("user info not scripted")
	}
	return fn(provider, tokens)
}

func (c *fakeProviderClient) RefreshToken(_ context.Context, provider entities.Provider, refreshToken string) (*entities.OAuthTokenPair, error) {
	c.mu.Lock()
	c.refreshCalls++
	fn := c.refreshFunc
	c.mu.Unlock()

	if fn == nil {
		return nil, errors.New("refresh not scripted")
	}
	return fn(provider, refreshToken)
}

// linkerEnv bundles a linker wired to fresh fakes
type linkerEnv struct {
	linker     *IdentityLinker
	accounts   *fakeAccountRepo
	identities *fakeIdentityRepo
	audit      *fakeAuditRepo
	box        *cryptobox.Box
}

func newLinkerEnv(t *testing.T) *linkerEnv {
	t.Helper()

	accounts := newFakeAccountRepo()
	identities := newFakeIdentityRepo()
	audit := newFakeAuditRepo()
	box := newTestBox(t)
	trail := NewAuditTrail(audit, testLogger())

	return &linkerEnv{
		linker:     NewIdentityLinker(accounts, identities, box, trail, testLogger()),
		accounts:   accounts,
		identities: identities,
		audit:      audit,
		box:        box,
	}
}

func (e *linkerEnv) seedAccount(t *testing.T, id, email string, withPassword bool) *entities.Account {
	t.Helper()

	now := time.Now()
	account := &entities.Account{
		ID:        id,
		Email:     email,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if withPassword {
		if err := account.SetPassword("correct horse battery staple"); err != nil {
			t.Fatalf("failed to set password: %v", err)
		}
	}
	if err := e.accounts.Create(context.Background(), account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func (e *linkerEnv) seedIdentity(t *testing.T, id, accountID string, provider entities.Provider, providerUserID string) *entities.LinkedIdentity {
	t.Helper()

	access, err := e.box.Encrypt("seed-access-" + providerUserID)
	if err != nil {
		t.Fatalf("failed to encrypt seed token: %v", err)
	}
	now := time.Now()
	identity := &entities.LinkedIdentity{
		ID:                   id,
		AccountID:            accountID,
		Provider:             provider,
		ProviderUserID:       providerUserID,
		EncryptedAccessToken: access,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.identities.Create(context.Background(), identity); err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}
	return identity
}

func googleIdentity(providerUserID, email string) entities.ProviderIdentity {
	return entities.ProviderIdentity{
		Provider:       entities.ProviderGoogle,
		ProviderUserID: providerUserID,
		Email:          email,
		EmailVerified:  email != "",
		DisplayName:    "Test User",
	}
}

func testTokens(access, refresh string) entities.OAuthTokenPair {
	expiresAt := time.Now().Add(time.Hour)
	return entities.OAuthTokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    &expiresAt,
	}
}

func testMeta() entities.RequestMeta {
	ip := "203.0.113.7"
	agent := "test-agent/1.0"
	return entities.RequestMeta{IPAddress: &ip, UserAgent: &agent}
}
