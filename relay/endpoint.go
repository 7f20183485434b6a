package relay

import (
	"net/url"
	"strings"
)

// DefaultRelaySuffix is the Azure Relay namespace suffix for the public cloud.
const DefaultRelaySuffix = ".servicebus.windows.net"

// ParseRelayEndpoint reduces namespace input to the host handed to the URI
// builders. A bare name gets suffix appended; a dotted name is kept; a
// URI contributes its hostname. It returns "" for empty input or a URI
// without a host.
func ParseRelayEndpoint(input, suffix string) string {
	host := strings.TrimSpace(input)
	if _, _, isURI := strings.Cut(host, "://"); isURI {
		u, err := url.Parse(host)
		if err != nil {
			return ""
		}
		host = u.Hostname()
	}
	switch {
	case host == "":
		return ""
	case strings.Contains(host, "."):
		return host
	default:
		return host + suffix
	}
}

// ResourceURI returns the https URI naming a hybrid connection, the form
// shown by the Azure portal and accepted by CreateToken.
func ResourceURI(namespace, path string) string {
	u := url.URL{Scheme: "https", Host: namespace, Path: "/" + path}
	if path == "" {
		u.Path = ""
	}
	return u.String()
}
