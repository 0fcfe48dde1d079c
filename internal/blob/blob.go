// Package blob issues signed, expiring URLs for stored objects (label
// photos, payment QR codes, settlement exports).
package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/config"
)

// Signer mints and verifies download URLs for object keys.
type Signer interface {
	SignedURL(key string, now time.Time) (string, error)
	Verify(rawURL string, now time.Time) (string, error)
}

// HMACSigner signs URLs with an HMAC-SHA256 over key and expiry. It fronts
// whatever serves the object bytes; the engine only hands out keys and
// links.
type HMACSigner struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
}

func NewHMACSigner(cfg config.BlobConfig) (*HMACSigner, error) {
	if cfg.Secret == "" {
		return nil, eris.New("blob: signing secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &HMACSigner{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  []byte(cfg.Secret),
		ttl:     ttl,
	}, nil
}

func (s *HMACSigner) signature(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) SignedURL(key string, now time.Time) (string, error) {
	if key == "" {
		return "", eris.New("blob: empty key")
	}
	expires := now.Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.signature(key, expires))
	return s.baseURL + "/" + key + "?" + q.Encode(), nil
}

// Verify checks signature and expiry and returns the object key.
func (s *HMACSigner) Verify(rawURL string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "blob: parse url")
	}
	key := strings.TrimPrefix(u.Path, "/")
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		return "", eris.New("blob: missing or bad expiry")
	}
	if now.Unix() > expires {
		return "", eris.New("blob: url expired")
	}
	want := s.signature(key, expires)
	if !hmac.Equal([]byte(want), []byte(u.Query().Get("sig"))) {
		return "", eris.New("blob: signature mismatch")
	}
	return key, nil
}
