package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenExpiry is the lifetime of a SAS token when the caller does not
// ask for a specific one.
const DefaultTokenExpiry = 3600 * time.Second

const sasPrefix = "SharedAccessSignature "

// TokenIssuer mints Shared Access Signature tokens. The zero value uses the
// wall clock; tests set Now to get deterministic expiries.
type TokenIssuer struct {
	Now func() time.Time
}

var defaultIssuer TokenIssuer

func (i TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// CreateToken mints a SAS token for uri with the package default issuer.
// See TokenIssuer.CreateToken.
func CreateToken(uri, keyName, key string, expiry time.Duration) (string, error) {
	return defaultIssuer.CreateToken(uri, keyName, key, expiry)
}

// CreateToken returns a SharedAccessSignature token for uri, signed with key
// and valid for expiry (DefaultTokenExpiry when expiry <= 0).
//
// The signed resource is uri normalized by SignedResource. The expiry is
// evaluated on every call.
func (i TokenIssuer) CreateToken(uri, keyName, key string, expiry time.Duration) (string, error) {
	tok, err := i.Issue(uri, keyName, key, expiry)
	if err != nil {
		return "", err
	}
	return tok.String(), nil
}

// Issue is like CreateToken but returns the structured token.
func (i TokenIssuer) Issue(uri, keyName, key string, expiry time.Duration) (SASToken, error) {
	resource, err := SignedResource(uri)
	if err != nil {
		return SASToken{}, err
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	se := i.now().Add(expiry).Unix()
	return SASToken{
		Resource:  resource,
		Signature: sign(resource, se, key),
		Expiry:    se,
		KeyName:   keyName,
	}, nil
}

// SignedResource normalizes uri into the resource string covered by a SAS
// signature: the scheme becomes http, userinfo, port, query and fragment are
// dropped, and a leading $hc/ path segment is removed.
//
//	https://ns.servicebus.windows.net:443/$hc/foo?x=1#f → http://ns.servicebus.windows.net/foo
func SignedResource(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse resource uri: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse resource uri: missing host in %q", uri)
	}
	p := u.Path
	if rest, ok := strings.CutPrefix(p, "/$hc/"); ok {
		p = "/" + rest
	}
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	n := url.URL{Scheme: "http", Host: host, Path: p}
	return n.String(), nil
}

func sign(resource string, expiry int64, key string) string {
	str := url.QueryEscape(resource) + "\n" + strconv.FormatInt(expiry, 10)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(str))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SASToken is the structured form of a SharedAccessSignature credential.
type SASToken struct {
	Resource  string // signed resource, unescaped
	Signature string // base64 HMAC-SHA256, unescaped
	Expiry    int64  // Unix seconds
	KeyName   string
}

// String renders the token in its wire form. Field order is sr, sig, se, skn.
func (t SASToken) String() string {
	return fmt.Sprintf("%ssr=%s&sig=%s&se=%d&skn=%s",
		sasPrefix, url.QueryEscape(t.Resource), url.QueryEscape(t.Signature), t.Expiry, t.KeyName)
}

// Verify reports whether the signature was produced with key.
func (t SASToken) Verify(key string) bool {
	want, err := base64.StdEncoding.DecodeString(sign(t.Resource, t.Expiry, key))
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(t.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

// Expired reports whether the token is past its expiry at now.
func (t SASToken) Expired(now time.Time) bool {
	return now.Unix() >= t.Expiry
}

// ParseSASToken parses the wire form produced by SASToken.String.
func ParseSASToken(s string) (SASToken, error) {
	body, ok := strings.CutPrefix(s, sasPrefix)
	if !ok {
		return SASToken{}, fmt.Errorf("parse sas token: missing %q prefix", strings.TrimSpace(sasPrefix))
	}
	var tok SASToken
	var haveSE bool
	for _, field := range strings.Split(body, "&") {
		k, v, _ := strings.Cut(field, "=")
		switch k {
		case "sr", "sig":
			dec, err := url.QueryUnescape(v)
			if err != nil {
				return SASToken{}, fmt.Errorf("parse sas token %s: %w", k, err)
			}
			if k == "sr" {
				tok.Resource = dec
			} else {
				tok.Signature = dec
			}
		case "se":
			se, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return SASToken{}, fmt.Errorf("parse sas token se: %w", err)
			}
			tok.Expiry = se
			haveSE = true
		case "skn":
			tok.KeyName = v
		}
	}
	if tok.Resource == "" || tok.Signature == "" || !haveSE {
		return SASToken{}, fmt.Errorf("parse sas token: missing sr, sig or se")
	}
	return tok, nil
}
