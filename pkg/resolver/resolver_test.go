package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLookup(addrs ...string) LookupFunc {
	return func(_ context.Context, _, _ string) ([]netip.Addr, error) {
		var s []netip.Addr
		for _, a := range addrs {
			s = append(s, netip.MustParseAddr(a))
		}
		return s, nil
	}
}

func TestSystem_Resolve(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		addrs      []string
		preferIPv6 bool
		want       string
	}{
		{"v4 first", []string{"2001:db8::1", "192.0.2.1"}, false, "192.0.2.1"},
		{"v6 only", []string{"2001:db8::1"}, false, "2001:db8::1"},
		{"prefer v6", []string{"192.0.2.1", "2001:db8::1"}, true, "2001:db8::1"},
		{"mapped v4", []string{"::ffff:192.0.2.7"}, false, "192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSystem(SystemOpts{Lookup: staticLookup(tt.addrs...), PreferIPv6: tt.preferIPv6})
			got, err := s.Resolve(ctx, "example.com")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSystem_ResolveError(t *testing.T) {
	ctx := context.Background()
	notFound := &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}
	s := NewSystem(SystemOpts{Lookup: func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, notFound
	}})
	_, err := s.Resolve(ctx, "nope.invalid")
	assert.ErrorIs(t, err, ErrResolution)
	var dnsErr *net.DNSError
	assert.ErrorAs(t, err, &dnsErr)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "nope.invalid", re.Domain)

	s = NewSystem(SystemOpts{Lookup: staticLookup()})
	_, err = s.Resolve(ctx, "empty.example")
	assert.ErrorIs(t, err, ErrResolution)
}

func TestSystem_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := NewSystem(SystemOpts{
		Timeout: 20 * time.Millisecond,
		Lookup: func(context.Context, string, string) ([]netip.Addr, error) {
			<-block // ignores ctx on purpose
			return nil, nil
		},
	})
	start := time.Now()
	_, err := s.Resolve(context.Background(), "slow.example")
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeExchanger struct {
	calls atomic.Int32
	f     func(m *dns.Msg, addr string) (*dns.Msg, error)
}

func (f *fakeExchanger) ExchangeContext(_ context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	f.calls.Add(1)
	r, err := f.f(m, addr)
	return r, 0, err
}

func answer(q *dns.Msg, rrs ...string) *dns.Msg {
	r := new(dns.Msg)
	r.SetReply(q)
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			panic(err)
		}
		r.Answer = append(r.Answer, rr)
	}
	return r
}

func TestUpstream_Resolve(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExchanger{f: func(m *dns.Msg, _ string) (*dns.Msg, error) {
		switch m.Question[0].Qtype {
		case dns.TypeA:
			return answer(m, "example.com. 60 IN CNAME www.example.com.", "www.example.com. 60 IN A 192.0.2.10"), nil
		default:
			return answer(m, "example.com. 60 IN AAAA 2001:db8::10"), nil
		}
	}}
	u, err := NewUpstream(UpstreamOpts{Addrs: []string{"192.0.2.53"}, Client: ex})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.53:53"}, u.opts.Addrs)

	addr, err := u.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", addr)

	u6, err := NewUpstream(UpstreamOpts{Addrs: []string{"[2001:db8::53]"}, Client: ex, PreferIPv6: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"[2001:db8::53]:53"}, u6.opts.Addrs)
	addr, err = u6.Resolve(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::10", addr)
}

func TestUpstream_FallbackToAAAA(t *testing.T) {
	ex := &fakeExchanger{f: func(m *dns.Msg, _ string) (*dns.Msg, error) {
		if m.Question[0].Qtype == dns.TypeA {
			return answer(m), nil
		}
		return answer(m, "v6.example. 60 IN AAAA 2001:db8::1"), nil
	}}
	u, err := NewUpstream(UpstreamOpts{Addrs: []string{"192.0.2.53:53"}, Client: ex})
	require.NoError(t, err)
	addr, err := u.Resolve(context.Background(), "v6.example")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", addr)
	assert.EqualValues(t, 2, ex.calls.Load())
}

func TestUpstream_NXDomain(t *testing.T) {
	ex := &fakeExchanger{f: func(m *dns.Msg, _ string) (*dns.Msg, error) {
		r := answer(m)
		r.Rcode = dns.RcodeNameError
		return r, nil
	}}
	u, err := NewUpstream(UpstreamOpts{Addrs: []string{"192.0.2.53:53"}, Client: ex})
	require.NoError(t, err)
	_, err = u.Resolve(context.Background(), "nope.invalid")
	assert.ErrorIs(t, err, ErrResolution)
	assert.EqualValues(t, 1, ex.calls.Load())
}

func TestUpstream_Parallel(t *testing.T) {
	ex := &fakeExchanger{f: func(m *dns.Msg, addr string) (*dns.Msg, error) {
		if addr == "192.0.2.1:53" {
			return nil, errors.New("connection refused")
		}
		return answer(m, "example.com. 60 IN A 192.0.2.20"), nil
	}}
	u, err := NewUpstream(UpstreamOpts{Addrs: []string{"192.0.2.1:53", "192.0.2.2:53"}, Client: ex})
	require.NoError(t, err)
	addr, err := u.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.20", addr)
}

func TestUpstream_AllFailed(t *testing.T) {
	ex := &fakeExchanger{f: func(*dns.Msg, string) (*dns.Msg, error) {
		return nil, errors.New("i/o timeout")
	}}
	u, err := NewUpstream(UpstreamOpts{Addrs: []string{"192.0.2.1:53", "192.0.2.2:53"}, Client: ex})
	require.NoError(t, err)
	_, err = u.Resolve(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, ErrAllFailed)

	_, err = NewUpstream(UpstreamOpts{})
	assert.Error(t, err)
}

func TestUpstream_LocalServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	mux := dns.NewServeMux()
	mux.HandleFunc("local.test.", func(w dns.ResponseWriter, q *dns.Msg) {
		r := new(dns.Msg)
		r.SetReply(q)
		if q.Question[0].Qtype == dns.TypeA {
			r.Answer = append(r.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
				A:   net.ParseIP("192.0.2.99"),
			})
		}
		_ = w.WriteMsg(r)
	})
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	defer srv.Shutdown()
	<-started

	u, err := NewUpstream(UpstreamOpts{Addrs: []string{pc.LocalAddr().String()}, Timeout: time.Second})
	require.NoError(t, err)
	addr, err := u.Resolve(context.Background(), "local.test")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.99", addr)
}
