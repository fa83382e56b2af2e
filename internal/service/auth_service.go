package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/review-anchor/internal/errors"
	"github.com/review-anchor/internal/logging"
	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/siwe"
	"github.com/review-anchor/internal/storage"
	"github.com/review-anchor/internal/types"
)

const (
	// NonceTTL bounds how long an issued challenge may be signed.
	NonceTTL = 5 * time.Minute
	// ClockSkew is the tolerance for Issued At in the future.
	ClockSkew = 60 * time.Second

	nonceBytes = 16
	avatarURL  = "https://api.dicebear.com/7.x/identicon/svg?seed="
)

// AuthConfig configures the SIWE flow.
type AuthConfig struct {
	ChainID        int64
	Domain         string
	AllowedDomains []string
	Statement      string
	NonceTTL       time.Duration
	ClockSkew      time.Duration
}

// AuthService implements SIWE sign-in, bearer authentication and registration.
type AuthService struct {
	users    UserStore
	nonces   NonceStore
	sessions SessionStore
	tokens   *TokenIssuer
	cfg      AuthConfig
	policy   siwe.DomainPolicy
	now      func() time.Time
	logger   *logging.Logger
}

// NewAuthService creates an AuthService. tokens may be nil only if the JWT secret is
// missing, in which case construction fails with a ConfigurationError.
func NewAuthService(users UserStore, nonces NonceStore, sessions SessionStore, tokens *TokenIssuer, cfg AuthConfig) (*AuthService, error) {
	if tokens == nil {
		return nil, apperrors.NewConfigurationError("JWT secret is not configured")
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = NonceTTL
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = ClockSkew
	}
	return &AuthService{
		users:    users,
		nonces:   nonces,
		sessions: sessions,
		tokens:   tokens,
		cfg:      cfg,
		policy:   siwe.DomainPolicy{Allowed: cfg.AllowedDomains, Domain: cfg.Domain},
		now:      time.Now,
		logger:   logging.GetGlobalLogger().WithField("component", "auth_service"),
	}, nil
}

// NonceRequest asks for a sign-in challenge.
type NonceRequest struct {
	Address     string `json:"address"`
	Domain      string `json:"domain,omitempty"`
	URI         string `json:"uri,omitempty"`
	ChainID     int64  `json:"chain_id,omitempty"`
	RequestHost string `json:"-"`
}

// NonceResponse carries the challenge and a ready-to-sign message.
type NonceResponse struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Domain    string    `json:"domain"`
	URI       string    `json:"uri"`
	ChainID   int64     `json:"chain_id"`
	Statement string    `json:"statement"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

// IssueNonce stores a fresh single-use challenge for the wallet.
func (s *AuthService) IssueNonce(ctx context.Context, req NonceRequest) (*NonceResponse, error) {
	addr, err := siwe.ValidateAddress(strings.TrimSpace(req.Address))
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("address", "must be a valid EIP-55 address")
	}

	domain := req.Domain
	if domain == "" {
		domain = req.RequestHost
	}
	if domain == "" {
		return nil, apperrors.NewInvalidParameterError("domain", "domain is required")
	}
	uri := req.URI
	if uri == "" {
		uri = "https://" + domain
	}
	if _, err := url.ParseRequestURI(uri); err != nil {
		return nil, apperrors.NewInvalidParameterError("uri", "must be an absolute URI")
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = s.cfg.ChainID
	}
	if chainID != s.cfg.ChainID {
		return nil, apperrors.NewInvalidParameterError("chain_id", fmt.Sprintf("only chain %d is supported", s.cfg.ChainID))
	}

	token, err := randomNonce()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to generate nonce", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	record := &models.Nonce{
		WalletAddress: addr.Hex(),
		Nonce:         token,
		Domain:        domain,
		URI:           uri,
		ChainID:       chainID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.NonceTTL),
	}
	if err := s.nonces.Create(ctx, record); err != nil {
		return nil, apperrors.NewDatabaseError("create nonce", err)
	}

	expires := record.ExpiresAt
	msg := &siwe.Message{
		Domain:         domain,
		Address:        record.WalletAddress,
		Statement:      s.cfg.Statement,
		URI:            uri,
		Version:        siwe.Version,
		ChainID:        chainID,
		Nonce:          token,
		IssuedAt:       now,
		ExpirationTime: &expires,
	}

	return &NonceResponse{
		Address:   record.WalletAddress,
		Nonce:     token,
		Domain:    domain,
		URI:       uri,
		ChainID:   chainID,
		Statement: s.cfg.Statement,
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
		Message:   msg.String(),
	}, nil
}

func randomNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// UserSummary is the user view returned with a token.
type UserSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	AvatarURL     string `json:"avatar_url"`
	Role          string `json:"role"`
}

func summarize(u *models.User) UserSummary {
	return UserSummary{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.EmailOrEmpty(),
		WalletAddress: u.Wallet(),
		AvatarURL:     u.AvatarURL,
		Role:          string(u.Role),
	}
}

// TokenResponse is returned by a successful sign-in.
type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	User        UserSummary `json:"user"`
}

func signInRejected() error {
	return apperrors.NewAuthenticationError("invalid SIWE message or signature")
}

// Verify checks a signed SIWE message and, on success, consumes the nonce and mints a session.
// Rejection reasons are logged rather than returned, except nonce replay.
func (s *AuthService) Verify(ctx context.Context, message, signature, requestDomain string) (*TokenResponse, error) {
	now := s.now().UTC()

	msg, err := s.checkMessage(ctx, message, signature, requestDomain, now)
	if err != nil {
		if errors.Is(err, storage.ErrNonceConsumed) {
			s.logger.WithError(err).Warn("SIWE nonce replay rejected")
			return nil, apperrors.NewAuthenticationError("nonce already used")
		}
		var cerr *apperrors.CategorizedError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		s.logger.WithError(err).Info("SIWE verification rejected")
		return nil, signInRejected()
	}

	user, err := s.resolveUser(ctx, msg.Address, now)
	if err != nil {
		return nil, err
	}
	return s.mintSession(ctx, user, msg.Address, now)
}

// checkMessage runs every check in order and consumes the nonce last.
func (s *AuthService) checkMessage(ctx context.Context, message, signature, requestDomain string, now time.Time) (*siwe.Message, error) {
	msg, err := siwe.Parse(message)
	if err != nil {
		return nil, err
	}
	if err := msg.CheckVersion(); err != nil {
		return nil, err
	}
	if !s.policy.Permits(msg.Domain, requestDomain) {
		return nil, fmt.Errorf("domain %q not allowed", msg.Domain)
	}
	if msg.ChainID != s.cfg.ChainID {
		return nil, fmt.Errorf("chain id %d does not match %d", msg.ChainID, s.cfg.ChainID)
	}
	if err := msg.CheckTimes(now, s.cfg.ClockSkew); err != nil {
		return nil, err
	}

	addr, err := siwe.ValidateAddress(msg.Address)
	if err != nil {
		return nil, err
	}

	record, err := s.nonces.Get(ctx, addr.Hex(), msg.Nonce)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New("unknown nonce")
		}
		return nil, apperrors.NewDatabaseError("get nonce", err)
	}
	if record.IsConsumed() {
		return nil, storage.ErrNonceConsumed
	}
	if record.IsExpired(now) {
		return nil, errors.New("nonce expired")
	}
	if record.Domain != msg.Domain || record.ChainID != msg.ChainID || record.URI != msg.URI {
		return nil, errors.New("message does not match issued nonce")
	}

	if err := siwe.VerifySignature(message, signature, addr); err != nil {
		return nil, err
	}

	if err := s.nonces.Consume(ctx, record.ID, now); err != nil {
		if errors.Is(err, storage.ErrNonceConsumed) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("consume nonce", err)
	}

	msg.Address = addr.Hex()
	return msg, nil
}

// resolveUser returns the user for wallet, creating one on first sign-in. A concurrent
// first sign-in that loses the unique race re-reads the winner.
func (s *AuthService) resolveUser(ctx context.Context, wallet string, now time.Time) (*models.User, error) {
	user, err := s.users.GetByWallet(ctx, wallet)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewDatabaseError("get user by wallet", err)
	}

	w := wallet
	user = &models.User{
		ID:            uuid.New().String(),
		WalletAddress: &w,
		Name:          generatedName(wallet),
		AvatarURL:     avatarURL + strings.ToLower(wallet),
		Role:          types.RoleUser,
		CreatedAt:     now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			existing, gerr := s.users.GetByWallet(ctx, wallet)
			if gerr != nil {
				return nil, apperrors.NewDatabaseError("get user by wallet", gerr)
			}
			return existing, nil
		}
		return nil, apperrors.NewDatabaseError("create user", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"wallet":  wallet,
	}).Info("Created user on first sign-in")
	return user, nil
}

func generatedName(wallet string) string {
	w := strings.ToLower(strings.TrimPrefix(wallet, "0x"))
	if len(w) > 6 {
		w = w[len(w)-6:]
	}
	return "wallet-" + w
}

func (s *AuthService) mintSession(ctx context.Context, user *models.User, wallet string, now time.Time) (*TokenResponse, error) {
	if s.tokens == nil {
		return nil, apperrors.NewConfigurationError("JWT secret is not configured")
	}

	jti := uuid.New().String()
	token, exp, err := s.tokens.Mint(user, jti, now)
	if err != nil {
		if errors.Is(err, errMissingSecret) {
			return nil, apperrors.NewConfigurationError("JWT secret is not configured")
		}
		return nil, apperrors.NewInternalError("failed to sign token", err)
	}

	session := &models.Session{
		UserID:         user.ID,
		WalletAddress:  wallet,
		SessionTokenID: jti,
		IssuedAt:       now,
		ExpiresAt:      exp,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, apperrors.NewDatabaseError("create session", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id":    user.ID,
		"session_id": session.ID,
	}).Info("Session created")

	return &TokenResponse{
		AccessToken: token,
		TokenType:   types.TokenType,
		ExpiresIn:   int64(exp.Sub(now) / time.Second),
		User:        summarize(user),
	}, nil
}

// Principal is the authenticated caller of a request.
type Principal struct {
	User           *models.User
	SessionTokenID string
}

// Authenticate resolves a bearer token to its user. The token must verify and its session
// must be active; revoked or lapsed sessions are rejected even when the JWT is still valid.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	now := s.now()
	claims, err := s.tokens.Parse(bearer, now)
	if err != nil {
		return nil, apperrors.NewAuthenticationError("invalid or expired token")
	}

	session, err := s.sessions.GetByTokenID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewAuthenticationError("session not found")
		}
		return nil, apperrors.NewDatabaseError("get session", err)
	}
	if !session.IsActive(now) {
		return nil, apperrors.NewAuthenticationError("session revoked or expired")
	}
	if session.UserID != claims.Subject {
		return nil, apperrors.NewAuthenticationError("session does not belong to token subject")
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewAuthenticationError("user no longer exists")
		}
		return nil, apperrors.NewDatabaseError("get user", err)
	}
	return &Principal{User: user, SessionTokenID: claims.ID}, nil
}

// Logout revokes the session behind jti.
func (s *AuthService) Logout(ctx context.Context, jti string) error {
	if err := s.sessions.Revoke(ctx, jti, s.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewAuthenticationError("session already revoked")
		}
		return apperrors.NewDatabaseError("revoke session", err)
	}
	return nil
}

// RegisterInput is an explicit registration request.
type RegisterInput struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Register creates a user explicitly. At least one of wallet or email is required.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*UserSummary, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if in.WalletAddress == "" && email == "" {
		return nil, apperrors.NewValidationError("wallet_address or email is required")
	}
	if email != "" && !strings.Contains(email, "@") {
		return nil, apperrors.NewInvalidParameterError("email", "must be a valid email address")
	}

	user := &models.User{
		ID:        uuid.New().String(),
		Role:      types.RoleUser,
		CreatedAt: s.now().UTC(),
	}
	if in.WalletAddress != "" {
		addr, err := siwe.ValidateAddress(strings.TrimSpace(in.WalletAddress))
		if err != nil {
			return nil, apperrors.NewInvalidParameterError("wallet_address", "must be a valid EIP-55 address")
		}
		w := addr.Hex()
		user.WalletAddress = &w
		user.AvatarURL = avatarURL + strings.ToLower(w)
		if name == "" {
			name = generatedName(w)
		}
	}
	if email != "" {
		user.Email = &email
		if user.AvatarURL == "" {
			user.AvatarURL = avatarURL + email
		}
	}
	if name == "" {
		return nil, apperrors.NewInvalidParameterError("name", "name is required")
	}
	user.Name = name

	if err := s.users.Create(ctx, user); err != nil {
		var uv *storage.UniqueViolation
		if errors.As(err, &uv) {
			switch uv.Constraint {
			case storage.ConstraintUsersEmail:
				return nil, apperrors.NewConflictError("email already registered")
			default:
				return nil, apperrors.NewConflictError("wallet already registered")
			}
		}
		return nil, apperrors.NewDatabaseError("create user", err)
	}

	summary := summarize(user)
	return &summary, nil
}

// CurrentUser returns the summary for an authenticated principal.
func (s *AuthService) CurrentUser(p *Principal) UserSummary {
	return summarize(p.User)
}
