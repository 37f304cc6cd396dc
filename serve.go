// Package crmgate runs the inbound SMTP front end of the gateway. Each
// accepted message is handed to the processing pipeline; a pipeline
// rejection becomes the SMTP error for that transaction.
package crmgate

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/mhale/smtpd"
	"golang.org/x/sync/errgroup"

	"github.com/moriwaka/crmgate/internal/logging"
	"github.com/moriwaka/crmgate/types"
)

const appName = "crmgate"

type serverListenerPair struct {
	s         *smtpd.Server
	readyChan chan *serverListenerPair
	l         net.Listener
}

func (pair *serverListenerPair) Valid() bool {
	return pair.s != nil
}

func (pair *serverListenerPair) Ready() <-chan *serverListenerPair {
	return pair.readyChan
}

func (pair *serverListenerPair) setListener(l net.Listener) {
	pair.l = l
	pair.readyChan <- pair
}

func newServerListenerPair(s *smtpd.Server) serverListenerPair {
	return serverListenerPair{s: s, readyChan: make(chan *serverListenerPair)}
}

type Server struct {
	addr           string
	implicitAddr   string
	appname        string
	hostname       string
	resolver       spf.DNSResolver
	verifySPF      bool
	verifyDKIM     bool
	tlsConfig      *tls.Config
	logger         *slog.Logger
	server         serverListenerPair
	serverImplicit serverListenerPair
	processor      types.Processor
	readyChan      chan struct{}
}

type OptionFunc func(s *Server) error

func WithHostname(hostname string) OptionFunc {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) OptionFunc {
	return func(s *Server) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

func WithResolver(r spf.DNSResolver) OptionFunc {
	return func(s *Server) error {
		s.resolver = r
		return nil
	}
}

func WithSPFVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifySPF = enabled
		return nil
	}
}

func WithDKIMVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifyDKIM = enabled
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func (s *Server) newSmtpdServerProto(addr string, tlsListener bool) *smtpd.Server {
	return &smtpd.Server{
		Appname:     s.appname,
		Hostname:    s.hostname,
		TLSConfig:   s.tlsConfig,
		Addr:        addr,
		TLSListener: tlsListener,
	}
}

// NewServer builds the front end. bindImplicitTLS may be empty to serve
// plain SMTP only.
func NewServer(bind, bindImplicitTLS string, processor types.Processor, options ...OptionFunc) (*Server, error) {
	s := &Server{
		addr:         bind,
		implicitAddr: bindImplicitTLS,
		appname:      appName,
		hostname:     "",
		resolver:     &net.Resolver{},
		logger:       slog.New(logging.BlackholeHandler{}),
		processor:    processor,
		readyChan:    make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	s.server = newServerListenerPair(s.newSmtpdServerProto(s.addr, false))
	if s.implicitAddr != "" {
		s.serverImplicit = newServerListenerPair(s.newSmtpdServerProto(s.implicitAddr, true))
	}
	return s, nil
}

func ipPart(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	default:
		return nil
	}
}

func (s *Server) verifyDKIMSignatures(ctx context.Context, data []byte) error {
	results, err := dkim.VerifyWithOptions(
		bytes.NewReader(data),
		&dkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return s.resolver.LookupTXT(ctx, domain)
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error occurred during DKIM verification: %w", err)
	}
	for _, v := range results {
		if v.Err != nil {
			return fmt.Errorf("DKIM verification failed: %w", v.Err)
		}
	}
	return nil
}

func (s *Server) handlerInner(ctx context.Context, from string, to []string, data []byte) error {
	if s.verifyDKIM {
		if err := s.verifyDKIMSignatures(ctx, data); err != nil {
			return err
		}
	}
	in := types.NewBufferedInbound(from, to, data)
	if !s.processor.Process(ctx, in) {
		reason, _ := in.Rejection()
		return errors.New(reason)
	}
	return nil
}

func (s *Server) checkSPF(ctx context.Context, logger *slog.Logger, origin net.Addr, from string) error {
	result, err := spf.CheckHostWithSender(
		ipPart(origin),
		"",
		from,
		spf.WithResolver(s.resolver),
		spf.WithContext(ctx),
		spf.WithTraceFunc(func(format string, args ...interface{}) {
			logger.Debug("spf trace", slog.String("text", fmt.Sprintf(format, args...)))
		}),
	)
	if err != nil {
		switch err {
		case spf.ErrMatchedAll, spf.ErrMatchedA, spf.ErrMatchedIP, spf.ErrMatchedMX, spf.ErrMatchedPTR, spf.ErrMatchedExists:
		default:
			return fmt.Errorf("error occurred during verifying SPF record: %w", err)
		}
	}
	if result == spf.Fail {
		return fmt.Errorf("SPF fail")
	}
	return nil
}

func (s *Server) handler(ctx context.Context, origin net.Addr, from string, to []string, data []byte) error {
	logger := s.logger.With(
		slog.String("origin", origin.String()),
		slog.String("from", from),
		slog.Any("to", to),
		slog.Any("size", len(data)),
	)
	err := s.handlerInner(ctx, from, to, data)
	if err != nil {
		logger.Error("message refused", slog.Any("error", err))
	}
	return err
}

func (s *Server) rcptHandler(ctx context.Context, origin net.Addr, from string, to string) bool {
	logger := s.logger.With(
		slog.String("origin", origin.String()),
		slog.String("from", from),
		slog.String("to", to),
	)
	if s.verifySPF {
		if err := s.checkSPF(ctx, logger, origin, from); err != nil {
			logger.Error("recipient refused", slog.Any("error", err))
			return false
		}
	}
	// acceptance is decided by the pipeline once DATA arrives
	return true
}

func (s *Server) Shutdown(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	if s.server.Valid() {
		s.server.l.Close()
		eg.Go(func() error { return s.server.s.Shutdown(innerCtx) })
	}
	if s.serverImplicit.Valid() {
		s.serverImplicit.l.Close()
		eg.Go(func() error { return s.serverImplicit.s.Shutdown(innerCtx) })
	}
	return eg.Wait()
}

type listenerWithContext struct {
	net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listenerWithContext) Close() error {
	err := l.Listener.Close()
	l.cancel()
	return err
}

func (l *listenerWithContext) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil && errors.Is(err, net.ErrClosed) {
		l.cancel()
	}
	return conn, err
}

func wrapListener(ctx context.Context, ln net.Listener) *listenerWithContext {
	ctx, cancel := context.WithCancel(ctx)
	inner := &listenerWithContext{
		Listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}
	go func() {
		<-ctx.Done()
		inner.Close()
	}()
	return inner
}

func (s *Server) listenAndServe(ctx context.Context, slp *serverListenerPair) error {
	if slp.s.Appname == "" {
		slp.s.Appname = "smtpd"
	}
	if slp.s.Hostname == "" {
		slp.s.Hostname, _ = os.Hostname()
	}
	if slp.s.Timeout == 0 {
		slp.s.Timeout = 5 * time.Minute
	}

	var ln net.Listener
	ln, err := net.Listen("tcp", slp.s.Addr)
	if err != nil {
		return err
	}
	ln = wrapListener(ctx, ln)
	if slp.s.TLSConfig != nil && slp.s.TLSListener {
		ln = tls.NewListener(ln, slp.s.TLSConfig)
	}
	slp.s.Handler = func(origin net.Addr, from string, to []string, data []byte) error {
		return s.handler(ctx, origin, from, to, data)
	}
	slp.s.HandlerRcpt = func(origin net.Addr, from string, to string) bool {
		return s.rcptHandler(ctx, origin, from, to)
	}
	slp.setListener(ln)
	return slp.s.Serve(ln)
}

func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

func (s *Server) Serve(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	servers := make([]*serverListenerPair, 0, 2)
	if s.server.Valid() {
		servers = append(servers, &s.server)
	}
	if s.serverImplicit.Valid() {
		servers = append(servers, &s.serverImplicit)
	}
	readyChans := make([]<-chan *serverListenerPair, 0, 2)
	for _, slp := range servers {
		slp := slp
		go func() {
			<-innerCtx.Done()
			slp.l.Close()
		}()
		eg.Go(func() error {
			err := s.listenAndServe(innerCtx, slp)
			if err != nil && errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		})
		readyChans = append(readyChans, slp.Ready())
	}
	readyServers := make([]*serverListenerPair, 0, 2)
outer:
	for _, readyChan := range readyChans {
		select {
		case <-innerCtx.Done():
			for _, slp := range readyServers {
				if err := slp.l.Close(); err != nil {
					s.logger.Warn("failed to close listener", slog.Any("error", err))
				}
				if err := slp.s.Close(); err != nil {
					s.logger.Warn("failed to close server", slog.Any("error", err))
				}
			}
			break outer
		case slp := <-readyChan:
			readyServers = append(readyServers, slp)
		}
	}
	close(s.readyChan)
	return eg.Wait()
}
