package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	slackTimestampHeader = "X-Slack-Request-Timestamp"
	slackSignatureHeader = "X-Slack-Signature"

	// slackMaxSkew rejects replayed requests.
	slackMaxSkew = 5 * time.Minute
)

func slackSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func verifySlackSignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	if timestamp == "" || signature == "" {
		return errors.New("missing signature headers")
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", timestamp)
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew > slackMaxSkew || skew < -slackMaxSkew {
		return fmt.Errorf("timestamp outside tolerance: %s", skew)
	}
	if !hmac.Equal([]byte(signature), []byte(slackSignature(secret, timestamp, body))) {
		return errors.New("signature mismatch")
	}
	return nil
}
