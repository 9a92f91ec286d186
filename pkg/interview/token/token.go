// Package token inspects participant tokens issued by the interview backend.
//
// Tokens are signed by the media service, which is the only party able to
// verify them. The client reads the claims to fail fast on expired or
// mismatched tokens before dialing.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed    = errors.New("participant token is malformed")
	ErrExpired      = errors.New("participant token has expired")
	ErrRoomMismatch = errors.New("participant token is for a different room")
)

// VideoGrant is the media-room grant carried by a participant token.
type VideoGrant struct {
	Room         string `json:"room,omitempty"`
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	CanPublish   *bool  `json:"canPublish,omitempty"`
	CanSubscribe *bool  `json:"canSubscribe,omitempty"`
}

// Claims are the participant token claims the client inspects.
type Claims struct {
	jwt.RegisteredClaims
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
}

// Identity is the participant identity: the subject claim.
func (c *Claims) Identity() string { return c.Subject }

// Room is the granted room name, if any.
func (c *Claims) Room() string {
	if c.Video == nil {
		return ""
	}
	return c.Video.Room
}

// Parse decodes a token's claims without verifying its signature.
func Parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

// Check reports whether the token can still be used to join room at now. An
// empty room skips the room check, and a token without an expiry never
// expires.
func Check(raw, room string, now time.Time) (*Claims, error) {
	claims, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return claims, fmt.Errorf("%w at %s", ErrExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	if room != "" && claims.Room() != "" && claims.Room() != room {
		return claims, fmt.Errorf("%w: token grants %q, session uses %q", ErrRoomMismatch, claims.Room(), room)
	}
	return claims, nil
}
