package tunnel

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/philsphicas/hycows/relay"
)

// parseAllowList parses sender allowlist entries. Each entry is an IP
// address, a CIDR prefix or "*" for any sender.
func parseAllowList(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case e == "":
			continue
		case e == "*":
			out = append(out, netip.MustParsePrefix("0.0.0.0/0"), netip.MustParsePrefix("::/0"))
		case strings.Contains(e, "/"):
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
			}
			out = append(out, p.Masked())
		default:
			a, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
			}
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out, nil
}

// checkSender accepts a rendezvous only when the relay reported a sender
// address inside one of the allowed prefixes.
func checkSender(req *relay.AcceptRequest, allow []netip.Prefix) error {
	if req.RemoteEndpoint == nil || req.RemoteEndpoint.Address == "" {
		return fmt.Errorf("sender address unknown")
	}
	addr, err := netip.ParseAddr(req.RemoteEndpoint.Address)
	if err != nil {
		return fmt.Errorf("sender address %q invalid", req.RemoteEndpoint.Address)
	}
	addr = addr.Unmap()
	for _, p := range allow {
		if p.Contains(addr) {
			return nil
		}
	}
	return fmt.Errorf("sender %s not allowed", addr)
}
