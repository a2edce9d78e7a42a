package http

import (
	"context"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/ignatij/tasktrack/pkg/service"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

// UserIDHeader carries the caller identity when header authentication is used.
const UserIDHeader = "X-User-ID"

var ErrMissingCredentials = errors.New("missing credentials")

// Authenticator resolves the acting user of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts the X-User-ID header set by an upstream gateway.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if userID == "" {
		return "", ErrMissingCredentials
	}
	return userID, nil
}

// TokenVerifier is the subset of the Firebase auth client used to check ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// BearerAuthenticator verifies "Authorization: Bearer <token>" and uses the token UID.
type BearerAuthenticator struct {
	Verifier TokenVerifier
}

func (a *BearerAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingCredentials
	}
	token, err := a.Verifier.VerifyIDToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return "", errors.Wrap(err, "verify id token")
	}
	return token.UID, nil
}

// NewFirebaseAuthenticator builds a BearerAuthenticator backed by Firebase Auth.
func NewFirebaseAuthenticator(ctx context.Context, credentialsPath string) (*BearerAuthenticator, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, errors.Wrap(err, "initialize firebase app")
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialize firebase auth client")
	}
	return &BearerAuthenticator{Verifier: client}, nil
}

type actorKey struct{}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.Authenticate(r)
		if err != nil {
			s.logger.WithField("path", r.URL.Path).Warnf("Authentication failed: %v", err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Code:    service.CodeUnauthenticated,
				Message: "authentication required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}
