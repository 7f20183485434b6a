package relay

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// Query parameters understood by the relay service on the $hc endpoint.
const (
	ParamAction            = "sb-hc-action"
	ParamToken             = "sb-hc-token"
	ParamID                = "sb-hc-id"
	ParamStatusCode        = "sb-hc-statusCode"
	ParamStatusDescription = "sb-hc-statusDescription"

	ActionConnect = "connect"
	ActionListen  = "listen"
)

const relayPort = "443"

// BaseURI returns wss://<namespace>:443/$hc/<path>. A namespace that already
// names a port is used as given.
func BaseURI(namespace, path string) string {
	host := namespace
	if _, _, err := net.SplitHostPort(namespace); err != nil {
		host = net.JoinHostPort(namespace, relayPort)
	}
	return "wss://" + host + "/$hc/" + path
}

// SendURI returns the URI a sender dials to reach the listeners of path.
// token and id are appended only when non-empty.
func SendURI(namespace, path, token, id string) string {
	return actionURI(namespace, path, ActionConnect, token, id)
}

// ListenURI returns the control channel URI for a listener on path.
// token and id are appended only when non-empty.
func ListenURI(namespace, path, token, id string) string {
	return actionURI(namespace, path, ActionListen, token, id)
}

func actionURI(namespace, path, action, token, id string) string {
	var b strings.Builder
	b.WriteString(BaseURI(namespace, path))
	b.WriteString("?" + ParamAction + "=" + action)
	if token != "" {
		b.WriteString("&" + ParamToken + "=" + url.QueryEscape(token))
	}
	if id != "" {
		b.WriteString("&" + ParamID + "=" + url.QueryEscape(id))
	}
	return b.String()
}

// AppendToken mints a SAS token for uri with the package default issuer and
// appends it as the sb-hc-token query parameter.
func AppendToken(uri, keyName, key string, expiry time.Duration) (string, error) {
	return defaultIssuer.AppendToken(uri, keyName, key, expiry)
}

// AppendToken mints a SAS token for uri and appends it as the sb-hc-token
// query parameter. A uri without a query gets one.
func (i TokenIssuer) AppendToken(uri, keyName, key string, expiry time.Duration) (string, error) {
	token, err := i.CreateToken(uri, keyName, key, expiry)
	if err != nil {
		return "", err
	}
	return appendQuery(uri, ParamToken, token), nil
}

// appendQuery adds name=value to the query of uri, keeping any fragment
// last.
func appendQuery(uri, name, value string) string {
	base, frag, hasFrag := strings.Cut(uri, "#")
	sep := "&"
	switch {
	case !strings.Contains(base, "?"):
		sep = "?"
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
		sep = ""
	}
	out := base + sep + name + "=" + url.QueryEscape(value)
	if hasFrag {
		out += "#" + frag
	}
	return out
}

// RedactToken replaces every sb-hc-token value in s with REDACTED.
func RedactToken(s string) string {
	const key = ParamToken + "="
	var b strings.Builder
	for {
		i := strings.Index(s, key)
		if i == -1 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i+len(key)])
		b.WriteString("REDACTED")
		s = s[i+len(key):]
		end := strings.IndexAny(s, "&\" \n")
		if end == -1 {
			return b.String()
		}
		s = s[end:]
	}
}
