package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gravitas-games/kitkeeper/internal/config"
	"github.com/gravitas-games/kitkeeper/pkg/models"
)

// JWTValidator handles JWT token validation
type JWTValidator struct {
	config    *config.Config
	publicKey *ecdsa.PublicKey
	keyMu     sync.RWMutex
	redis     *redis.Client // optional, nil skips the blacklist check
	client    *http.Client
}

// Claims represents JWT token claims issued by the login server
type Claims struct {
	UserID      int64  `json:"user_id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	AuthMethod  string `json:"auth_method"`
	Permissions int64  `json:"permissions"`
	Activated   int64  `json:"activated"`
	jwt.RegisteredClaims
}

// NewJWTValidator creates a validator and fetches the signing key. The key
// is refreshed in the background until ctx is cancelled.
func NewJWTValidator(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*JWTValidator, error) {
	validator := &JWTValidator{
		config: cfg,
		redis:  redisClient,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	// Fetch public key from the login server
	if err := validator.RefreshPublicKey(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch public key: %w", err)
	}

	// Start background key refresh
	go validator.periodicKeyRefresh(ctx)

	log.Println("JWT validator initialized")
	return validator, nil
}

// RefreshPublicKey fetches the public key from the login server
func (v *JWTValidator) RefreshPublicKey(ctx context.Context) error {
	log.Printf("Fetching public key from %s", v.config.JWT.PublicKeyURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWT.PublicKeyURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch public key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("public key endpoint returned status %d", resp.StatusCode)
	}

	keyData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}

	// Parse PEM-encoded public key
	block, _ := pem.Decode(keyData)
	if block == nil {
		return errors.New("failed to decode PEM block")
	}

	// Parse ECDSA public key
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	ecdsaKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("public key is not ECDSA")
	}

	// Store public key
	v.keyMu.Lock()
	v.publicKey = ecdsaKey
	v.keyMu.Unlock()

	log.Println("Public key refreshed successfully")
	return nil
}

// periodicKeyRefresh refreshes the public key periodically
func (v *JWTValidator) periodicKeyRefresh(ctx context.Context) {
	refreshInterval := time.Duration(v.config.JWT.PublicKeyRefreshHrs) * time.Hour

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.RefreshPublicKey(ctx); err != nil {
				log.Printf("Failed to refresh public key: %v", err)
			}
		}
	}
}

// ValidateToken validates a JWT token and returns player information
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*models.Player, error) {
	// Parse token
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		v.keyMu.RLock()
		defer v.keyMu.RUnlock()
		return v.publicKey, nil
	}, jwt.WithIssuer(v.config.JWT.Issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	// Extract claims
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	// Validate activation status
	if claims.Activated == 0 {
		return nil, errors.New("user not activated")
	}

	if claims.Activated == -1 {
		return nil, errors.New("user is banned")
	}

	// Check Redis blacklist
	userIDStr := strconv.FormatInt(claims.UserID, 10)
	if v.redis != nil {
		blacklistKey := v.config.Redis.BlacklistPrefix + userIDStr

		isBlacklisted, err := v.redis.Exists(ctx, blacklistKey).Result()
		if err != nil {
			log.Printf("Warning: Failed to check blacklist: %v", err)
			// Continue anyway - don't fail authentication if Redis is down
		} else if isBlacklisted > 0 {
			return nil, errors.New("token is blacklisted")
		}
	}

	// Create player model from claims
	player := &models.Player{
		ID:          userIDStr,
		Username:    claims.Username,
		Email:       claims.Email,
		Permissions: claims.Permissions,
		Activated:   claims.Activated,
		AuthMethod:  claims.AuthMethod,
	}

	return player, nil
}

// extractTokenFromHeader extracts JWT token from WebSocket connection header
func extractTokenFromHeader(r *http.Request) string {
	// Try Sec-WebSocket-Protocol header first (recommended)
	// Format: "access_token, <token>"
	if parts := parseProtocols(r.Header.Get("Sec-WebSocket-Protocol")); len(parts) == 2 && parts[0] == "access_token" {
		return parts[1]
	}

	// Try Authorization header
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token
	}

	// Try query parameter (less secure, but supported)
	return r.URL.Query().Get("token")
}

// parseProtocols splits the Sec-WebSocket-Protocol header, dropping empty
// entries
func parseProtocols(protocols string) []string {
	var result []string
	for _, p := range strings.Split(protocols, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
