package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/safar-saathi/careflow/internal/shared/config"
	"github.com/safar-saathi/careflow/internal/shared/types"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// User types carried in the user_type claim
const (
	UserTypePatient = "patient"
	UserTypeClinic  = "clinic"
	UserTypeAdmin   = "admin"
	UserTypeSystem  = "system"
)

// Headers read when header actors are enabled
const (
	HeaderActorType    = "X-Actor-Type"
	HeaderActorID      = "X-Actor-ID"
	HeaderActorPatient = "X-Actor-Patient"
	HeaderActorClinic  = "X-Actor-Clinic"
)

// User represents the authenticated user from JWT claims
type User struct {
	ID        types.ID `json:"sub"`
	UserType  string   `json:"user_type"`
	PatientID types.ID `json:"patient_id,omitempty"`
	ClinicID  types.ID `json:"clinic_id,omitempty"`
	Roles     []string `json:"roles"`
}

// Claims extends JWT claims with the identity the workflow authorizes on
type Claims struct {
	jwt.RegisteredClaims
	UserType  string   `json:"user_type"`
	PatientID string   `json:"patient_id,omitempty"`
	ClinicID  string   `json:"clinic_id,omitempty"`
	Roles     []string `json:"roles"`
}

// Middleware creates JWT authentication middleware. With HeaderActors set the
// identity is taken from X-Actor-* headers instead; that mode exists for
// local development behind a trusted gateway.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				user *User
				err  error
			)
			if cfg.HeaderActors {
				user, err = userFromHeaders(r)
			} else {
				user, err = userFromBearer(r, cfg.JWTSecret)
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFromBearer(r *http.Request, secret string) (*User, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("missing authorization header")
	}

	scheme, tokenString, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	user := &User{UserType: claims.UserType, Roles: claims.Roles}
	if err := parseIdentity(user, claims.Subject, claims.PatientID, claims.ClinicID); err != nil {
		return nil, err
	}
	return user, user.validate()
}

func userFromHeaders(r *http.Request) (*User, error) {
	user := &User{UserType: r.Header.Get(HeaderActorType)}
	if user.UserType == "" {
		return nil, fmt.Errorf("missing %s header", HeaderActorType)
	}
	err := parseIdentity(user,
		r.Header.Get(HeaderActorID),
		r.Header.Get(HeaderActorPatient),
		r.Header.Get(HeaderActorClinic),
	)
	if err != nil {
		return nil, err
	}
	return user, user.validate()
}

// parseIdentity fills the user's ids; each may be absent but must be a UUID
// when present
func parseIdentity(user *User, id, patientID, clinicID string) error {
	fields := []struct {
		name string
		raw  string
		dst  *types.ID
	}{
		{"user id", id, &user.ID},
		{"patient_id", patientID, &user.PatientID},
		{"clinic_id", clinicID, &user.ClinicID},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		parsed, err := types.ParseID(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s", f.name)
		}
		*f.dst = parsed
	}
	return nil
}

func (u *User) validate() error {
	switch u.UserType {
	case UserTypePatient:
		if u.PatientID.IsZero() {
			return fmt.Errorf("patient identity requires patient_id")
		}
	case UserTypeClinic:
		if u.ClinicID.IsZero() {
			return fmt.Errorf("clinic identity requires clinic_id")
		}
	case UserTypeAdmin, UserTypeSystem:
	default:
		return fmt.Errorf("unknown user type %q", u.UserType)
	}
	return nil
}

// IssueToken signs an HS256 token for user, valid for ttl
func IssueToken(secret string, user User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserType:  user.UserType,
		PatientID: user.PatientID.String(),
		ClinicID:  user.ClinicID.String(),
		Roles:     user.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithUser stores user on ctx
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser extracts the user from request context
func GetUser(ctx context.Context) *User {
	user, ok := ctx.Value(UserContextKey).(*User)
	if !ok {
		return nil
	}
	return user
}

// RequireUserType creates middleware that admits only the listed user types
func RequireUserType(userTypes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			for _, ut := range userTypes {
				if user.UserType == ut {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

// IsAdmin checks if user is an admin
func (u *User) IsAdmin() bool {
	return u.UserType == UserTypeAdmin
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHENTICATED", "message": message})
}
