// Package validation checks scan targets and schedules before they are
// accepted, both when a scan is defined and again when it is promoted.
package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Error is a target or schedule rejection. Message is safe to show to the
// user as is.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func reject(msg string) error { return &Error{Message: msg} }

// IsValidationError reports whether err is (or wraps) a validation rejection.
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Validator validates targets against the kind of target a detector expects.
type Validator struct {
	resolver Resolver
	validate *validator.Validate
}

// New returns a Validator that resolves names through resolver, or through
// net.DefaultResolver when resolver is nil.
func New(resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver, validate: validator.New()}
}

// Target validates target for a detector of type tt and returns the form
// that should be stored and scanned.
func (v *Validator) Target(ctx context.Context, tt scanning.TargetType, target string) (string, error) {
	switch tt {
	case scanning.TargetHost:
		if err := v.ValidateHost(ctx, target); err != nil {
			return "", err
		}
		return target, nil
	case scanning.TargetURL:
		return v.SafeURL(ctx, target)
	default:
		return "", fmt.Errorf("unknown target type %q", tt)
	}
}

// ValidateHost accepts a public IPv4 address or a domain name whose every
// IPv4 address is public.
func (v *Validator) ValidateHost(ctx context.Context, target string) error {
	switch {
	case v.validate.Var(target, "required,ipv4") == nil:
		addr, err := netip.ParseAddr(target)
		if err != nil || !isGlobal(addr) {
			return reject("Private IP address is not allowed")
		}
		return nil

	case v.validate.Var(target, "required,fqdn") == nil:
		ips, err := v.resolver.LookupIP(ctx, "ip4", target)
		if err != nil {
			return reject("FQDN could not be resolved")
		}
		if len(ips) == 0 {
			return reject("FQDN has no active hosts")
		}
		for _, ip := range ips {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok || !isGlobal(addr.Unmap()) {
				return reject("Private IP address is not allowed")
			}
		}
		return nil

	default:
		return reject("Not a valid FQDN or IPv4 address")
	}
}

// SafeURL validates an http(s) URL and returns it rebuilt from its scheme,
// host, port and normalized path. Query and fragment are dropped.
func (v *Validator) SafeURL(ctx context.Context, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		if strings.Contains(err.Error(), "invalid port") {
			return "", reject("Port in URL is not a number")
		}
		return "", reject("URL could not be parsed")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", reject("URL schema is not http: and https:")
	}

	p := u.Path
	if p != "" {
		p = quotePath(path.Clean(p))
	}

	var port string
	if raw := u.Port(); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "", reject("Port in URL is not a number")
		}
		if n < 1 {
			return "", reject("Port number is less than 1")
		}
		if n > 65535 {
			return "", reject("Port number is larger than 65535")
		}
		port = ":" + strconv.Itoa(n)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", reject("Hostname is empty")
	}
	if err := v.ValidateHost(ctx, host); err != nil {
		return "", err
	}

	return u.Scheme + "://" + host + port + p, nil
}

// quotePath percent-encodes every byte of p except unreserved characters
// and the segment separator.
func quotePath(p string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}

// Schedule checks that scheduledAt is no more than maxDays whole days away.
func Schedule(scheduledAt, now time.Time, maxDays int) error {
	if scheduledAt.Sub(now) >= time.Duration(maxDays+1)*24*time.Hour {
		return reject(fmt.Sprintf("Schedule must be within %d days", maxDays))
	}
	return nil
}

// MaxDuration checks that a scheduling window of hours lies within [1, limit].
func MaxDuration(hours, limit int) error {
	if hours < 1 || hours > limit {
		return reject(fmt.Sprintf("Max duration must be between 1 and %d hours", limit))
	}
	return nil
}

var nonGlobalV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

func isGlobal(addr netip.Addr) bool {
	if !addr.IsValid() || !addr.Is4() {
		return false
	}
	for _, p := range nonGlobalV4 {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
