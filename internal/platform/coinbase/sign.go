package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Sign computes the CB-ACCESS-SIGN value for a request: a base64-encoded
// HMAC-SHA256 over timestamp+method+requestPath+body, keyed with the
// base64-decoded API secret. The same scheme authenticates the websocket
// subscription over the fixed message "GET /users/self/verify".
func Sign(secret, timestamp, method, requestPath, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("coinbase: decode api secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + requestPath + body))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
