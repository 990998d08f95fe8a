package middleware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/quotaledger/internal/pkg/usercontext"
)

const RoleAdmin = "admin"

var errNoToken = errors.New("no bearer token")

// Claims is the token payload issued by the account service. The subject is
// the numeric user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserContextMiddleware reads an HS256 bearer token and sets the user
// context. Requests without a valid token continue as anonymous; the
// Require* middlewares decide whether that is acceptable.
func UserContextMiddleware(secret []byte) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(c *fiber.Ctx) error {
		uc, err := parseUser(c, parser, secret)
		if err != nil {
			if !errors.Is(err, errNoToken) {
				log.Debugf("[Auth] Rejected bearer token on %s: %v", c.Path(), err)
			}
			usercontext.SetUserContext(c, usercontext.UserContext{})
			return c.Next()
		}
		usercontext.SetUserContext(c, uc)
		return c.Next()
	}
}

func parseUser(c *fiber.Ctx, parser *jwt.Parser, secret []byte) (usercontext.UserContext, error) {
	raw := bearerToken(c)
	if raw == "" || len(secret) == 0 {
		return usercontext.UserContext{}, errNoToken
	}

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}); err != nil {
		return usercontext.UserContext{}, err
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return usercontext.UserContext{}, errors.New("token subject is not a user id")
	}
	return usercontext.UserContext{
		UserID:     uint(id),
		Subject:    claims.Subject,
		Role:       claims.Role,
		IsLoggedIn: true,
		IsAdmin:    claims.Role == RoleAdmin,
	}, nil
}

func bearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
