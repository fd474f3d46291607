package chatsync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the user the engine acts as.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

var (
	userIDClaims = []string{"sub", "id", "userId", "user_id", "uid"}
	nameClaims   = []string{"name", "fullName", "full_name", "username", "email"}
	roleClaims   = []string{"role", "userRole", "user_role"}
)

// ResolveIdentity combines configured identity with the claims of the API
// token. The token signature is not checked: the backend does that, the
// claims are only read to label the engine's own messages.
func ResolveIdentity(cfg IdentityConfig, token string) (Identity, error) {
	id := Identity{UserID: cfg.UserID, Name: cfg.Name, Role: cfg.Role}
	if token != "" && (id.UserID == "" || id.Name == "" || id.Role == "") {
		claims := jwt.MapClaims{}
		_, _, err := jwt.NewParser().ParseUnverified(token, claims)
		if err != nil && id.UserID == "" {
			return id, fmt.Errorf("failed to read identity from api token: %w", err)
		} else if err == nil {
			id.UserID = firstNonEmpty(id.UserID, claimString(claims, userIDClaims...))
			id.Name = firstNonEmpty(id.Name, claimString(claims, nameClaims...))
			id.Role = firstNonEmpty(id.Role, strings.ToUpper(claimString(claims, roleClaims...)))
		}
	}
	if id.UserID == "" {
		return id, errors.New("current user id is not configured and not present in the api token")
	}
	if id.Role == "" {
		id.Role = "TEACHER"
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeContext builds the identity part of a NormalizeContext.
func (id Identity) normalizeContext(sentinel string) NormalizeContext {
	return NormalizeContext{
		CurrentUserID:    id.UserID,
		CurrentUserRole:  id.Role,
		CurrentUserName:  id.Name,
		SentinelSenderID: sentinel,
	}
}
