package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// LookupFunc has the signature of net.Resolver.LookupNetIP.
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type SystemOpts struct {
	// Lookup is the blocking name lookup primitive.
	// Default is net.DefaultResolver.LookupNetIP.
	Lookup LookupFunc

	// Timeout of each lookup. Zero means no timeout beyond the caller's ctx.
	Timeout time.Duration

	// PreferIPv6 returns an IPv6 address when the name has one.
	// By default the first IPv4 address wins.
	PreferIPv6 bool

	Logger *zap.Logger
}

func (opts *SystemOpts) Init() {
	if opts.Lookup == nil {
		opts.Lookup = net.DefaultResolver.LookupNetIP
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// System resolves names with the operating system resolver.
type System struct {
	opts SystemOpts
}

func NewSystem(opts SystemOpts) *System {
	opts.Init()
	return &System{opts: opts}
}

var errNoAddress = errors.New("no address")

func (s *System) Resolve(ctx context.Context, domain string) (string, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	addr, err := offload(ctx, func() (string, error) {
		addrs, err := s.opts.Lookup(ctx, "ip", domain)
		if err != nil {
			return "", err
		}
		a, ok := pick(addrs, s.opts.PreferIPv6)
		if !ok {
			return "", errNoAddress
		}
		return a.String(), nil
	})
	if err != nil {
		s.opts.Logger.Debug("system lookup failed", zap.String("domain", domain), zap.Error(err))
		return "", newError(domain, err)
	}
	return addr, nil
}

func pick(addrs []netip.Addr, preferIPv6 bool) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is6() == preferIPv6 {
			return a, true
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	return fallback, fallback.IsValid()
}
