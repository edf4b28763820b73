package phpconfig

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateTrustedDomain checks a proposed trusted_domains value: localhost, an
// IPv4 or IPv6 literal, or a hostname (optionally "*." wildcarded), each with an
// optional :port.
func ValidateTrustedDomain(value string) error {
	if value == "" {
		return fmt.Errorf("trusted domain must not be empty")
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return fmt.Errorf("trusted domain %q must not contain whitespace", value)
	}

	host, port, err := splitHostPort(value)
	if err != nil {
		return fmt.Errorf("trusted domain %q: %w", value, err)
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 || strings.HasPrefix(port, "+") {
			return fmt.Errorf("trusted domain %q: port must be between 1 and 65535", value)
		}
	}

	wildcard := strings.HasPrefix(host, "*.")
	if wildcard {
		host = strings.TrimPrefix(host, "*.")
	}

	switch {
	case host == "localhost":
		return nil
	case isIPv4(host), isIPv6(host):
		if wildcard {
			return fmt.Errorf("trusted domain %q: wildcards are not allowed on IP addresses", value)
		}
		return nil
	case isHostname(host):
		return nil
	}
	return fmt.Errorf("trusted domain %q is not a valid hostname or IP address", value)
}

// splitHostPort separates an optional :port. Bracketed IPv6 is unwrapped;
// unbracketed IPv6 never carries a port.
func splitHostPort(value string) (string, string, error) {
	if strings.HasPrefix(value, "[") {
		end := strings.Index(value, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 bracket")
		}
		host := value[1:end]
		if !isIPv6(host) {
			return "", "", fmt.Errorf("brackets must enclose an IPv6 address")
		}
		rest := value[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", fmt.Errorf("unexpected %q after IPv6 address", rest)
		}
		return host, rest[1:], nil
	}
	if strings.Count(value, ":") > 1 {
		return value, "", nil
	}
	if i := strings.LastIndex(value, ":"); i >= 0 {
		if i == len(value)-1 {
			return "", "", fmt.Errorf("missing port after ':'")
		}
		return value[:i], value[i+1:], nil
	}
	return value, "", nil
}

func isIPv4(host string) bool {
	return validate.Var(host, "ipv4") == nil && strings.Count(host, ".") == 3
}

func isIPv6(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && strings.Contains(host, ":")
}

func isHostname(host string) bool {
	if len(host) > 253 || validate.Var(host, "hostname_rfc1123") != nil {
		return false
	}
	allNumeric := true
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		if strings.Trim(label, "0123456789") != "" {
			allNumeric = false
		}
	}
	// a dotted run of numbers that failed the IPv4 check is a malformed address
	return !allNumeric
}
