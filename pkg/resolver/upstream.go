package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/dnscache/pkg/utils"
)

var ErrAllFailed = errors.New("all upstreams failed")

// Exchanger sends one query to addr.
// *dns.Client implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (r *dns.Msg, rtt time.Duration, err error)
}

type UpstreamOpts struct {
	// Addrs are "host:port" nameservers. A port-less host gets :53.
	// Queries go to all of them at once, the first useful answer wins.
	Addrs []string

	// Net is "udp" (default), "tcp" or "tcp-tls".
	Net string

	// Timeout of each exchange. Default is 5s.
	Timeout time.Duration

	// PreferIPv6 queries AAAA before A.
	PreferIPv6 bool

	// Client overrides the dns.Client built from Net and Timeout.
	Client Exchanger

	Logger *zap.Logger
}

func (opts *UpstreamOpts) Init() error {
	if len(opts.Addrs) == 0 {
		return errors.New("no upstream address")
	}
	opts.Addrs = append([]string(nil), opts.Addrs...)
	for i, a := range opts.Addrs {
		if _, _, err := net.SplitHostPort(a); err != nil {
			opts.Addrs[i] = net.JoinHostPort(strings.Trim(a, "[]"), "53")
		}
	}
	utils.SetDefaultString(&opts.Net, "udp")
	utils.SetDefaultNum(&opts.Timeout, 5*time.Second)
	if opts.Client == nil {
		opts.Client = &dns.Client{Net: opts.Net, Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Upstream resolves names by sending A/AAAA queries to nameservers.
type Upstream struct {
	opts UpstreamOpts
}

func NewUpstream(opts UpstreamOpts) (*Upstream, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Upstream{opts: opts}, nil
}

func (u *Upstream) Resolve(ctx context.Context, domain string) (string, error) {
	qtypes := [2]uint16{dns.TypeA, dns.TypeAAAA}
	if u.opts.PreferIPv6 {
		qtypes[0], qtypes[1] = qtypes[1], qtypes[0]
	}

	var lastErr error
	for _, qt := range qtypes {
		r, err := u.exchangeParallel(ctx, domain, qt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if r.Rcode == dns.RcodeNameError {
			return "", newError(domain, errors.New("nxdomain"))
		}
		if addr, ok := firstAddr(r, qt); ok {
			return addr, nil
		}
		lastErr = fmt.Errorf("no %s record", dns.TypeToString[qt])
	}
	return "", newError(domain, lastErr)
}

type parallelResult struct {
	r    *dns.Msg
	err  error
	from string
}

// exchangeParallel sends q to every upstream. It returns the first
// NOERROR response with an answer, otherwise the first response received.
func (u *Upstream) exchangeParallel(ctx context.Context, domain string, qtype uint16) (*dns.Msg, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), qtype)
	q.RecursionDesired = true

	taskCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	c := make(chan *parallelResult, len(u.opts.Addrs))
	for _, addr := range u.opts.Addrs {
		addr := addr
		qCopy := q.Copy()
		go func() {
			r, _, err := u.opts.Client.ExchangeContext(taskCtx, qCopy, addr)
			c <- &parallelResult{r: r, err: err, from: addr}
		}()
	}

	var fallback *dns.Msg
	errMsgs := make([]string, 0, len(u.opts.Addrs))
	for range u.opts.Addrs {
		res := <-c
		if res.err != nil {
			if !errors.Is(res.err, context.Canceled) {
				u.opts.Logger.Warn("upstream exchange failed",
					zap.String("domain", domain),
					zap.String("addr", res.from),
					zap.Error(res.err))
			}
			errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from, res.err))
			continue
		}
		if res.r == nil {
			continue
		}
		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			return res.r, nil
		}
		if fallback == nil {
			fallback = res.r
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errMsgs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	}
	return nil, ErrAllFailed
}

func firstAddr(r *dns.Msg, qtype uint16) (string, bool) {
	for _, rr := range r.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				return rr.A.String(), true
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				return rr.AAAA.String(), true
			}
		}
	}
	return "", false
}
