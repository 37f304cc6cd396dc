package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	crmgate "github.com/moriwaka/crmgate"
	"github.com/moriwaka/crmgate/crmclient"
	"github.com/moriwaka/crmgate/processor"
)

type CLI struct {
	Bind            string     `name:"bind" help:"Address and port to listen on." env:"CRMGATE_BIND" default:"[::0]:25"`
	BindImplicitTLS string     `name:"bind-implicit-tls" help:"Address and port to listen on, for implicit TLS." env:"CRMGATE_BIND_IMPLICIT_TLS" optional:""`
	Certificate     string     `name:"certificate" help:"Path to the certificate file." env:"CRMGATE_CERTIFICATE" optional:""`
	PrivateKey      string     `name:"private-key" help:"Path to the private key file." env:"CRMGATE_PRIVATE_KEY" optional:""`
	Hostname        string     `name:"hostname" help:"Host name to be used in the SMTP banner." env:"CRMGATE_HOSTNAME" optional:""`
	VerifySpf       bool       `name:"verify-spf" help:"Verify SPF records on RCPT." env:"CRMGATE_VERIFY_SPF" default:"true"`
	VerifyDKIM      bool       `name:"verify-dkim" help:"Verify DKIM signatures on DATA." env:"CRMGATE_VERIFY_DKIM" default:"true"`
	LogLevel        slog.Level `name:"log-level" help:"Log level." env:"CRMGATE_LOG_LEVEL" default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
	SpamPolicy      string     `name:"spam-policy" help:"Path to the YAML spam policy file overriding the built-in gate settings." env:"CRMGATE_SPAM_POLICY" optional:""`
	AliasMap        string     `name:"alias-map" help:"Recipient domain collapse map, domain=target pairs separated by ',' or ';'." env:"CRMGATE_ALIAS_MAP" optional:""`
	CRMDatabase     string     `name:"crm-database" help:"CRM database name." env:"CRMGATE_CRM_DATABASE" default:"company"`
	CRMUserID       int        `name:"crm-user-id" help:"CRM numeric user id." env:"CRMGATE_CRM_USER_ID" default:"2"`
	CRMPassword     string     `name:"crm-password" help:"CRM password." env:"CRMGATE_CRM_PASSWORD" default:"password"`
	CRMHost         string     `name:"crm-host" help:"CRM host." env:"CRMGATE_CRM_HOST" default:"crm.example.com"`
	CRMPort         int        `name:"crm-port" help:"CRM port." env:"CRMGATE_CRM_PORT" default:"443"`
	CRMProtocol     string     `name:"crm-protocol" help:"CRM URL scheme." env:"CRMGATE_CRM_PROTOCOL" default:"https" enum:"http,https"`
	MetricsBind     string     `name:"metrics-bind" help:"Address and port to expose Prometheus metrics on." env:"CRMGATE_METRICS_BIND" optional:""`
}

func (CLI *CLI) initLogger(*kong.Context) *slog.Logger {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: CLI.LogLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: CLI.LogLevel})
	}
	return slog.New(handler)
}

func (CLI *CLI) initPolicy(kongCtx *kong.Context, logger *slog.Logger) *processor.Policy {
	if CLI.SpamPolicy == "" {
		return processor.DefaultPolicy()
	}
	logger.Info("loading spam policy", slog.String("path", CLI.SpamPolicy))
	policy, err := processor.LoadPolicyFile(CLI.SpamPolicy)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return policy
}

func (CLI *CLI) initClient(kongCtx *kong.Context, logger *slog.Logger) *crmclient.Client {
	client, err := crmclient.New(
		CLI.CRMProtocol, CLI.CRMHost, CLI.CRMPort,
		CLI.CRMDatabase, CLI.CRMUserID, CLI.CRMPassword,
		crmclient.WithLogger(logger),
	)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	logger.Info("CRM backend", slog.String("endpoint", client.Endpoint()))
	return client
}

func (CLI *CLI) initProcessor(kongCtx *kong.Context, logger *slog.Logger, client *crmclient.Client) *processor.Processor {
	policy := CLI.initPolicy(kongCtx, logger)
	p, err := processor.New(policy, CLI.AliasMap, client, processor.WithLogger(logger))
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return p
}

func (CLI *CLI) initServer(kongCtx *kong.Context, logger *slog.Logger, p *processor.Processor) *crmgate.Server {
	options := []crmgate.OptionFunc{
		crmgate.WithSPFVerification(CLI.VerifySpf),
		crmgate.WithDKIMVerification(CLI.VerifyDKIM),
		crmgate.WithLogger(logger),
	}
	if CLI.Hostname != "" {
		options = append(options, crmgate.WithHostname(CLI.Hostname))
	}
	if CLI.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(CLI.Certificate, CLI.PrivateKey)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		options = append(options, crmgate.WithTLSConfig(&tls.Config{
			Certificates: []tls.Certificate{cert},
		}))
	}
	server, err := crmgate.NewServer(CLI.Bind, CLI.BindImplicitTLS, p, options...)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return server
}

func (CLI *CLI) serveMetrics(logger *slog.Logger) {
	if CLI.MetricsBind == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("serving metrics", slog.String("bind", CLI.MetricsBind))
		if err := http.ListenAndServe(CLI.MetricsBind, mux); err != nil {
			logger.Error("metrics listener failed", slog.Any("error", err))
		}
	}()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(&CLI)
	logger := CLI.initLogger(kongCtx)
	client := CLI.initClient(kongCtx, logger)
	p := CLI.initProcessor(kongCtx, logger, client)
	server := CLI.initServer(kongCtx, logger, p)
	CLI.serveMetrics(logger)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	go func() {
		count := 0
	outer:
		for {
			select {
			case <-ctx.Done():
				break outer
			case <-sigChan:
				count += 1
				if count == 1 {
					kongCtx.Printf("Received SIGINT, shutting down...")
					err := server.Shutdown(ctx)
					if err != nil {
						kongCtx.FatalIfErrorf(err)
					}
				} else {
					kongCtx.Printf("Received SIGINT again, forcing shutdown...")
					cancel()
				}
			}
		}
	}()
	err := server.Serve(ctx)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
}
