package interop

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrlogrus"
	"github.com/newrelic/go-agent/v3/newrelic"
	nrclient "github.com/newrelic/newrelic-client-go/newrelic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webamon/webamon-misp-sync/internal/metrics"
	"github.com/webamon/webamon-misp-sync/pkg/misp"
	"github.com/webamon/webamon-misp-sync/pkg/retry"
)

const appName = "Webamon MISP Sync"

type Interop struct {
	App      *newrelic.Application
	Config   *viper.Viper
	Logger   *log.Logger
	Misp     *misp.MispClient
	NrClient *nrclient.NewRelic
	Metrics  *metrics.Metrics
	Retry    retry.Policy
	logFile  io.Closer
}

// envBindings maps config keys onto the environment variable names the
// connector has always been deployed with.
var envBindings = map[string]string{
	"misp.url":               "MISP_URL",
	"misp.key":               "MISP_KEY",
	"misp.verifyCert":        "VERIFY_CERT",
	"provider.apiUrl":        "WEBAMON_URL",
	"provider.apiKey":        "WEBAMON_KEY",
	"queriesFile":            "QUERIES_FILE",
	"retry.count":            "RETRY_COUNT",
	"retry.delay":            "RETRY_DELAY",
	"debug":                  "DEBUG_MODE",
	"log.level":              "LOG_LEVEL",
	"log.fileName":           "LOG_FILE",
	"newrelic.license":       "NEW_RELIC_LICENSE_KEY",
	"events.insertKey":       "NEW_RELIC_INSERT_KEY",
	"events.accountId":       "NEW_RELIC_ACCOUNT_ID",
	"metrics.pushgatewayUrl": "PUSHGATEWAY_URL",
}

// required lists the settings without which nothing can be synced, keyed by
// the variable name reported to the operator.
var required = []struct {
	key string
	env string
}{
	{"misp.url", "MISP_URL"},
	{"misp.key", "MISP_KEY"},
	{"provider.apiUrl", "WEBAMON_URL"},
	{"provider.apiKey", "WEBAMON_KEY"},
}

func NewInteroperability(configFile string) (*Interop, error) {
	// A missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	v, err := NewConfig(configFile)
	if err != nil {
		return nil, err
	}

	return NewInteroperabilityWithConfig(v)
}

func NewInteroperabilityWithConfig(v *viper.Viper) (*Interop, error) {
	if err := validateConfig(v); err != nil {
		return nil, err
	}

	license := v.GetString("newrelic.license")

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(v.GetString("newrelic.appName")),
		newrelic.ConfigLicense(license),
		newrelic.ConfigEnabled(license != ""),
	)
	if err != nil {
		return nil, err
	}

	logger := log.New()

	logger.SetLevel(log.InfoLevel)
	logger.SetFormatter(nrlogrus.NewFormatter(app, &log.TextFormatter{}))

	logFile := setupLogging(v, logger)

	i := &Interop{
		App:     app,
		Config:  v,
		Logger:  logger,
		Metrics: metrics.New(),
		Retry: retry.Policy{
			Count: v.GetInt("retry.count"),
			Delay: seconds(v.GetFloat64("retry.delay")),
		},
		logFile: logFile,
	}

	i.Misp = misp.NewMispClient(
		v.GetString("misp.url"),
		v.GetString("misp.key"),
		misp.Options{
			VerifyCert: v.GetBool("misp.verifyCert"),
			Timeout:    seconds(v.GetFloat64("misp.timeout")),
		},
		logger,
	)

	if v.GetBool("events.enabled") {
		nrClient, err := nrclient.New(
			nrclient.ConfigInsightsInsertKey(v.GetString("events.insertKey")),
			nrclient.ConfigRegion(v.GetString("events.region")),
		)
		if err != nil {
			i.Shutdown()
			return nil, fmt.Errorf("failed to create New Relic client: %w", err)
		}
		i.NrClient = nrClient
	}

	return i, nil
}

// NewConfig builds the viper instance: defaults, env bindings, then the
// optional config file. configFile overrides the configs/ and . search.
func NewConfig(configFile string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return v, nil
}

func (i *Interop) Shutdown() {
	i.App.Shutdown(time.Second * 3)

	if i.logFile != nil {
		i.logFile.Close()
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queriesFile", "queries.json")
	v.SetDefault("retry.count", 2)
	v.SetDefault("retry.delay", 1.0)
	v.SetDefault("misp.verifyCert", false)
	v.SetDefault("misp.timeout", 60)
	v.SetDefault("provider.type", "webamon")
	v.SetDefault("newrelic.appName", appName)
	v.SetDefault("events.eventType", "WebamonMispSync")
	v.SetDefault("events.region", "US")
	v.SetDefault("metrics.job", "webamon-misp-sync")
	v.SetDefault("log.maxSizeMB", 50)
	v.SetDefault("log.maxBackups", 5)
}

func validateConfig(v *viper.Viper) error {
	missing := []string{}

	for _, r := range required {
		if v.GetString(r.key) == "" {
			missing = append(missing, r.env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf(
			"missing required settings: %s",
			strings.Join(missing, ", "),
		)
	}

	return nil
}

// setupLogging applies the configured level and, when a log file is set,
// writes to both stderr and a rotating file.
func setupLogging(v *viper.Viper, logger *log.Logger) io.Closer {
	logLevel := v.GetString("log.level")
	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			logger.Infof("failed to parse log level, default will be used: %s", err)
		} else {
			logger.SetLevel(level)
		}
	}

	if v.GetBool("debug") && !logger.IsLevelEnabled(log.DebugLevel) {
		logger.SetLevel(log.DebugLevel)
	}

	if !v.IsSet("log.fileName") || v.GetString("log.fileName") == "" {
		logger.Out = os.Stderr
		return nil
	}

	file := &lumberjack.Logger{
		Filename:   v.GetString("log.fileName"),
		MaxSize:    v.GetInt("log.maxSizeMB"),
		MaxBackups: v.GetInt("log.maxBackups"),
	}

	logger.Out = io.MultiWriter(os.Stderr, file)

	return file
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
