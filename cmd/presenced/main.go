package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	presencesync "github.com/classwatch/presence-sync"
	"github.com/classwatch/presence-sync/internal"
)

const (
	// Required fields
	EnvDB     = "PRESENCE_DB"
	EnvSecret = "PRESENCE_SECRET"

	// Optional fields
	EnvBindAddr     = "PRESENCE_BINDADDR"
	EnvBus          = "PRESENCE_BUS"
	EnvOrigins      = "PRESENCE_ORIGINS"
	EnvPrometheus   = "PRESENCE_PROM"
	EnvOTLP         = "PRESENCE_OTLP"
	EnvOTLPUsername = "PRESENCE_OTLP_USERNAME"
	EnvOTLPPassword = "PRESENCE_OTLP_PASSWORD"
	EnvSentryDsn    = "PRESENCE_SENTRY_DSN"
	EnvRetention    = "PRESENCE_RETENTION"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s            Required. The postgres connection string: https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
%s        Required. The shared secret which signs device tokens and verifies staff session cookies. Every instance must use the same value.
%s      Default: 0.0.0.0:8010. The interface and port to listen on.
%s           Default: unset. The cross-instance bus URL, redis:// or nats://. Unset runs single-instance.
%s       Default: unset. Comma-separated allowed websocket origins. Unset allows all.
%s          Default: unset. The bind addr for prometheus metrics, e.g :2112. Unset disables metrics.
%s          Default: unset. The OTLP HTTP url to send spans to, e.g https://localhost:4318. Unset disables tracing.
%s Default: unset. The OTLP username for basic auth.
%s Default: unset. The OTLP password for basic auth.
%s    Default: unset. The sentry DSN to report events to, e.g https://presence-sync@sentry.example.com/123. Unset disables sentry.
%s     Default: unset. How long to keep heartbeat rows, e.g 720h. Unset keeps them forever.
`, EnvDB, EnvSecret, EnvBindAddr, EnvBus, EnvOrigins, EnvPrometheus, EnvOTLP, EnvOTLPUsername, EnvOTLPPassword, EnvSentryDsn, EnvRetention)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	fmt.Printf("presence-sync [%s]\n", presencesync.Version)
	godotenv.Load()

	args := map[string]string{
		EnvDB:           os.Getenv(EnvDB),
		EnvSecret:       os.Getenv(EnvSecret),
		EnvBindAddr:     defaulting(os.Getenv(EnvBindAddr), "0.0.0.0:8010"),
		EnvBus:          os.Getenv(EnvBus),
		EnvOrigins:      os.Getenv(EnvOrigins),
		EnvPrometheus:   os.Getenv(EnvPrometheus),
		EnvOTLP:         os.Getenv(EnvOTLP),
		EnvOTLPUsername: os.Getenv(EnvOTLPUsername),
		EnvOTLPPassword: os.Getenv(EnvOTLPPassword),
		EnvSentryDsn:    os.Getenv(EnvSentryDsn),
		EnvRetention:    os.Getenv(EnvRetention),
	}
	if args[EnvDB] == "" || args[EnvSecret] == "" {
		fmt.Print(helpMsg)
		fmt.Printf("\n%s and %s must be set\n", EnvDB, EnvSecret)
		os.Exit(1)
	}

	if args[EnvSentryDsn] != "" {
		fmt.Printf("Configuring Sentry reporting: %s\n", args[EnvSentryDsn])
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     args[EnvSentryDsn],
			Release: fmt.Sprintf("presence-sync@%s", presencesync.Version),
		})
		if err != nil {
			panic(err)
		}
	}

	if args[EnvOTLP] != "" {
		fmt.Printf("Configuring OTLP collector: %s\n", args[EnvOTLP])
		if err := internal.ConfigureOTLP(args[EnvOTLP], args[EnvOTLPUsername], args[EnvOTLPPassword], presencesync.Version); err != nil {
			panic(err)
		}
	}

	if args[EnvPrometheus] != "" {
		go func() {
			fmt.Printf("starting prometheus listener on %s\n", args[EnvPrometheus])
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(args[EnvPrometheus], nil); err != nil {
				panic(err)
			}
		}()
	}

	var retention time.Duration
	if args[EnvRetention] != "" {
		var err error
		retention, err = time.ParseDuration(args[EnvRetention])
		if err != nil {
			fmt.Printf("invalid %s: %s\n", EnvRetention, err)
			os.Exit(1)
		}
	}
	var origins []string
	if args[EnvOrigins] != "" {
		origins = strings.Split(args[EnvOrigins], ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	server, err := presencesync.Setup(args[EnvDB], presencesync.Opts{
		JWTSecret:            args[EnvSecret],
		BusURL:               args[EnvBus],
		AllowedOrigins:       origins,
		AddPrometheusMetrics: args[EnvPrometheus] != "",
		HeartbeatRetention:   retention,
	})
	if err != nil {
		panic(err)
	}

	presencesync.RunServer(server, args[EnvBindAddr])
}
