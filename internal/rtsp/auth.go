package rtsp

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator builds an Authorization header value once a 401/407
// challenge has been seen, supporting both static Basic auth and full
// RFC 2617 Digest auth with a generic retry-once path usable for any
// method.
//
// crypto/md5 (stdlib) is used for the Digest response hash: RFC 2617's
// MD5 response hash is a few lines of stdlib hashing, with no real
// benefit from wrapping it in a third-party library.
type Authenticator struct {
	username, password string

	scheme string // "Basic" or "Digest"

	realm  string
	nonce  string
	opaque string
	qop    string
	nc     int
}

// NewAuthenticator creates an Authenticator with no challenge applied
// yet; until ApplyChallenge is called it only supports Basic auth.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password, scheme: "Basic"}
}

// ApplyChallenge parses a WWW-Authenticate header value and configures
// the Authenticator to answer it on the next request.
func (a *Authenticator) ApplyChallenge(header string) error {
	fields := strings.SplitN(header, " ", 2)
	if len(fields) != 2 {
		return fmt.Errorf("rtsp: malformed WWW-Authenticate %q", header)
	}
	scheme := fields[0]
	switch strings.ToLower(scheme) {
	case "basic":
		a.scheme = "Basic"
		return nil
	case "digest":
		a.scheme = "Digest"
		params := parseAuthParams(fields[1])
		a.realm = params["realm"]
		a.nonce = params["nonce"]
		a.opaque = params["opaque"]
		a.qop = params["qop"]
		return nil
	default:
		return fmt.Errorf("rtsp: unsupported auth scheme %q", scheme)
	}
}

// Authorization returns the value for an Authorization header covering
// method and uri.
func (a *Authenticator) Authorization(method, uri string) string {
	if a.scheme == "Digest" {
		return a.digestAuthorization(method, uri)
	}
	return a.basicAuthorization()
}

func (a *Authenticator) basicAuthorization() string {
	raw := a.username + ":" + a.password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

func (a *Authenticator) digestAuthorization(method, uri string) string {
	ha1 := md5Hex(a.username + ":" + a.realm + ":" + a.password)
	ha2 := md5Hex(method + ":" + uri)

	var response string
	var extra string
	if a.qop != "" {
		a.nc++
		cnonce := md5Hex(fmt.Sprintf("%s:%d", a.nonce, a.nc))[:16]
		nc := fmt.Sprintf("%08x", a.nc)
		response = md5Hex(strings.Join([]string{ha1, a.nonce, nc, cnonce, "auth", ha2}, ":"))
		extra = fmt.Sprintf(`, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	} else {
		response = md5Hex(strings.Join([]string{ha1, a.nonce, ha2}, ":"))
	}

	auth := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"%s`,
		a.username, a.realm, a.nonce, uri, response, extra)
	if a.opaque != "" {
		auth += fmt.Sprintf(`, opaque="%s"`, a.opaque)
	}
	return auth
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// parseAuthParams parses the comma-separated key="value" pairs that
// follow the scheme name in a WWW-Authenticate header.
func parseAuthParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		val := strings.TrimSpace(part[idx+1:])
		val = strings.Trim(val, `"`)
		out[key] = val
	}
	return out
}
