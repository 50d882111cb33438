package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/getlantern/golog"

	"github.com/getlantern/slotd/broker"
	"github.com/getlantern/slotd/config"
	"github.com/getlantern/slotd/policy/staticpolicy"
	"github.com/getlantern/slotd/quota"
	"github.com/getlantern/slotd/quota/memquota"
	"github.com/getlantern/slotd/quota/redisquota"
	"github.com/getlantern/slotd/router/memrouter"
	"github.com/getlantern/slotd/signer/sigv4"
	"github.com/getlantern/slotd/telemetry"
	"github.com/getlantern/slotd/web"
)

var (
	// The below environment variables are passed by the deployment platform
	// and override their configuration file counterparts
	httpPort           = os.Getenv("PORT")
	metricsAddr        = os.Getenv("METRICS_ADDR")
	pprofAddr          = os.Getenv("PPROF_ADDR")
	redisURL           = os.Getenv("REDIS_URL")
	redisPoolSize      = os.Getenv("REDIS_POOL_SIZE")
	redisCAPEM         = os.Getenv("REDIS_CA_CERT")
	redisClientCertPEM = os.Getenv("REDIS_CLIENT_CERT")
	redisClientKeyPEM  = os.Getenv("REDIS_CLIENT_KEY")
	accessKeyID        = os.Getenv("ACCESS_KEY_ID")
	accessKeySecret    = os.Getenv("ACCESS_KEY_SECRET")

	configPath = flag.String("config", "slotd.yaml", "path to the configuration file")
	webTimeout = flag.Duration("webtimeout", 60*time.Second, "timeout for web requests")

	log = golog.LoggerFor("slotd")
)

var (
	redisURLRegExp = regexp.MustCompile(`^redis(s?)://:(.+)?@([^\s]+)$`)
)

func parseRedisURL(redisURL string) (useTLS bool, password string, redisAddr string, err error) {
	matches := redisURLRegExp.FindStringSubmatch(redisURL)
	if len(matches) < 4 {
		return false, "", "", fmt.Errorf("should match %v", redisURLRegExp.String())
	}
	return matches[1] == "s", matches[2], matches[3], nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}
	flag.Parse()

	if pprofAddr != "" {
		go func() {
			log.Error(http.ListenAndServe(pprofAddr, nil))
		}()
	}

	path := *configPath
	if fromEnv := os.Getenv("SLOTD_CONFIG"); fromEnv != "" {
		path = fromEnv
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("unable to load configuration: %v", err)
	}
	applyEnvOverrides(cfg)

	ledger, err := buildLedger(cfg)
	if err != nil {
		log.Fatalf("unable to build quota ledger: %v", err)
	}

	rtr := memrouter.New()
	manager, err := broker.NewManager(&broker.Opts{
		Router:            rtr,
		Signer:            sigv4.New(),
		Oracle:            staticpolicy.NewOracle(cfg.Upload.AccessRules),
		Ledger:            ledger,
		DependencyTimeout: time.Duration(cfg.DependencyTimeout),
	})
	if err != nil {
		log.Fatalf("unable to build broker manager: %v", err)
	}
	if err := manager.Start(cfg.Hosts, cfg.UploadConfig()); err != nil {
		log.Fatalf("unable to start brokers: %v", err)
	}
	log.Debugf("serving logical hosts %v", manager.Hosts())

	handler, err := web.NewHandler(&web.Opts{
		Router:        rtr,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	})
	if err != nil {
		log.Fatalf("unable to build web handler: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			log.Error(http.ListenAndServe(cfg.MetricsAddr, mux))
		}()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  *webTimeout,
		WriteTimeout: *webTimeout,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("web server failed: %v", err)
		}
	}()
	log.Debugf("listening for websocket connections at %v", cfg.ListenAddr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for s := range signals {
		if s != syscall.SIGHUP {
			log.Debugf("received %v, shutting down", s)
			break
		}
		// Only hosts and upload parameters take effect on reload; listener,
		// rate limit, ledger and access rule table changes need a restart.
		log.Debugf("reloading configuration from %v", path)
		next, err := config.Load(path)
		if err != nil {
			log.Errorf("keeping previous configuration: %v", err)
			continue
		}
		applyEnvOverrides(next)
		if err := manager.Reload(next.Hosts, next.UploadConfig()); err != nil {
			log.Errorf("reload incomplete: %v", err)
		}
	}

	manager.Stop()
	srv.Close()
	if err := ledger.Close(); err != nil {
		log.Errorf("unable to close ledger: %v", err)
	}
}

// applyEnvOverrides lets the deployment platform override file-borne
// settings without editing the file.
func applyEnvOverrides(cfg *config.Config) {
	if httpPort != "" {
		cfg.ListenAddr = ":" + httpPort
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if accessKeyID != "" {
		cfg.Upload.AccessKeyID = accessKeyID
	}
	if accessKeySecret != "" {
		cfg.Upload.AccessKeySecret = accessKeySecret
	}
}

// buildLedger picks the quota backend: redis when configured, in-memory
// otherwise.
func buildLedger(cfg *config.Config) (quota.Ledger, error) {
	if cfg.RedisURL == "" {
		log.Debug("accounting quota in memory")
		return memquota.NewLedger(), nil
	}

	useTLS, redisPassword, redisAddr, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %v", err)
	}
	log.Debugf("Connecting to redis at %v", redisAddr)

	var tlsConfig *tls.Config
	if !useTLS {
		log.Debug("WARNING: connecting to Redis without TLS")
	} else {
		log.Debug("Connecting to Redis with TLS")
		if redisCAPEM == "" {
			return nil, fmt.Errorf("please specify a REDIS_CA_CERT")
		}
		if redisClientCertPEM == "" {
			return nil, fmt.Errorf("please specify a REDIS_CLIENT_CERT")
		}
		if redisClientKeyPEM == "" {
			return nil, fmt.Errorf("please specify a REDIS_CLIENT_KEY")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cleanPEMNewLines(redisCAPEM)) {
			return nil, fmt.Errorf("unable to find any certs in REDIS_CA_CERT")
		}
		redisClientCert, err := tls.X509KeyPair(cleanPEMNewLines(redisClientCertPEM), cleanPEMNewLines(redisClientKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load redis client cert and key: %v", err)
		}

		tlsConfig = &tls.Config{
			RootCAs:            pool,
			Certificates:       []tls.Certificate{redisClientCert},
			ClientSessionCache: tls.NewLRUClientSessionCache(100),
		}
	}

	poolSize, err := strconv.Atoi(redisPoolSize)
	if err != nil {
		log.Debug("Defaulting redis pool size to 100")
		poolSize = 100
	}

	opTimeout := *webTimeout - 500*time.Millisecond
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		PoolSize:     poolSize,
		PoolTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		IdleTimeout:  opTimeout,
		DialTimeout:  opTimeout,
		TLSConfig:    tlsConfig,
	})

	return redisquota.NewLedger(client)
}

func cleanPEMNewLines(pem string) []byte {
	return []byte(strings.Replace(pem, "\\n", "\n", -1))
}
