package live

import (
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// StaffCookieName is the session cookie staff browsers carry into the socket
// upgrade. It is minted by the account system, not by this service; we only
// verify it and compare its identity against the auth frame's assertion.
const StaffCookieName = "cw_staff"

// DeviceClaims is the content of a signed device token. StudentID is zero
// when the token was minted before the student was known; resolution then
// falls back to the email path.
type DeviceClaims struct {
	SchoolID  int64
	StudentID int64
	DeviceID  string
}

// TokenVerifier checks the HMAC tokens both roles present.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

func (v *TokenVerifier) parse(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims shape")
	}
	return claims, nil
}

// DeviceClaims verifies a device token and extracts its identity claims.
func (v *TokenVerifier) DeviceClaims(tokenStr string) (*DeviceClaims, error) {
	claims, err := v.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	schoolID, _ := claims["school_id"].(float64)
	deviceID, _ := claims["device_id"].(string)
	if schoolID <= 0 || deviceID == "" {
		return nil, fmt.Errorf("token missing school_id or device_id")
	}
	studentID, _ := claims["student_id"].(float64)
	return &DeviceClaims{
		SchoolID:  int64(schoolID),
		StudentID: int64(studentID),
		DeviceID:  deviceID,
	}, nil
}

// StaffIdentity extracts the staff id from the request's session cookie.
// Returns empty when the cookie is absent or fails verification; the caller
// treats empty as "no staff session".
func (v *TokenVerifier) StaffIdentity(r *http.Request) string {
	cookie, err := r.Cookie(StaffCookieName)
	if err != nil {
		return ""
	}
	claims, err := v.parse(cookie.Value)
	if err != nil {
		logger.Debug().Err(err).Msg("rejecting staff cookie")
		return ""
	}
	staffID, _ := claims["staff_id"].(string)
	return staffID
}
