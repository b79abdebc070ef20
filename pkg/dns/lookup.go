package dns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Lookup sends a single A query for name to server (host:port) and returns
// the first address in the answer.
func Lookup(ctx context.Context, server, name string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	client := &dns.Client{Net: "udp"}
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("dns query for %s via %s: %w", name, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("dns query for %s via %s: %s", name, server, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("dns query for %s via %s: no A record", name, server)
}
