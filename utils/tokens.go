package utils

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/exp/rand"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

const RoleAdmin = "admin"

type Manager struct {
	signingKey string
}

func NewManager(signingKey string) (*Manager, error) {
	if signingKey == "" {
		return nil, errors.New("empty signing key")
	}

	return &Manager{signingKey: signingKey}, nil
}

// NewJWT signs an operator token carrying userID and role.
func (m *Manager) NewJWT(userID uint, role string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, models.Claims{
		UserID: userID,
		Role:   role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ttl).Unix(),
			Subject:   fmt.Sprint(userID),
		},
	})

	return token.SignedString([]byte(m.signingKey))
}

// Parse validates accessToken and returns its claims.
func (m *Manager) Parse(accessToken string) (*models.Claims, error) {
	claims := &models.Claims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.signingKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// NewPaymentToken returns 64 hex characters from the system CSPRNG.
// Payment tokens are bearer credentials, so math/rand sources are not used.
func NewPaymentToken() (string, error) {
	b := make([]byte, 32)
	if _, err := crand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const invoiceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var invoiceRand = newInvoiceRand()

func newInvoiceRand() *rand.Rand {
	src := &rand.LockedSource{}
	src.Seed(uint64(time.Now().UnixNano()))
	return rand.New(src)
}

// InvoiceNumber renders INV + YYYYMMDD + a 6 character random suffix.
func InvoiceNumber(now time.Time) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = invoiceAlphabet[invoiceRand.Intn(len(invoiceAlphabet))]
	}
	return "INV" + now.UTC().Format("20060102") + string(suffix)
}
