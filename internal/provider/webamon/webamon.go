package webamon

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/webamon/webamon-misp-sync/internal/provider"
	"github.com/webamon/webamon-misp-sync/pkg/interop"
	"github.com/webamon/webamon-misp-sync/pkg/retry"
)

type AuthType string
type OAuthGrantType string

const (
	AUTH_TYPE_APIKEY                    AuthType       = "apikey"
	AUTH_TYPE_OAUTH                     AuthType       = "oauth"
	OAUTH_GRANT_TYPE_PASSWORD           OAuthGrantType = "password"
	OAUTH_GRANT_TYPE_CLIENT_CREDENTIALS OAuthGrantType = "client_credentials"

	// MaxOffset is the first offset never requested. The search API stops
	// serving deep pages well before this, it is a ceiling, not a limit we
	// expect to hit.
	MaxOffset = 10000

	defaultApiKeyHeader = "x-api-key"
	defaultPageDelay    = 500 * time.Millisecond
	defaultTimeout      = 30 * time.Second
)

type WebamonProvider struct {
	Interop           *interop.Interop
	ApiURL            string
	ApiKey            string
	ApiKeyHeader      string
	ApiUser           string
	ApiPassword       string
	AuthType          AuthType
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthGrantType    OAuthGrantType
	OAuthScopes       []string
	PageDelay         time.Duration
	Timeout           time.Duration
	Retry             retry.Policy
}

func init() {
	provider.RegisterProvider("webamon", New)
}

func New(i *interop.Interop, v *viper.Viper) (provider.Provider, error) {
	v.SetEnvPrefix("WEBAMON")
	v.AutomaticEnv()

	apiUrl := v.GetString("apiUrl")
	if apiUrl == "" {
		return nil, fmt.Errorf("missing webamon api url")
	}

	wp := &WebamonProvider{
		Interop:      i,
		ApiURL:       apiUrl,
		ApiKey:       v.GetString("apiKey"),
		ApiKeyHeader: v.GetString("apiKeyHeader"),
		PageDelay:    defaultPageDelay,
		Timeout:      defaultTimeout,
		Retry:        i.Retry,
	}

	if wp.ApiKeyHeader == "" {
		wp.ApiKeyHeader = defaultApiKeyHeader
	}

	if v.IsSet("pageDelay") {
		wp.PageDelay = seconds(v.GetFloat64("pageDelay"))
	}

	if v.IsSet("timeout") {
		wp.Timeout = seconds(v.GetFloat64("timeout"))
	}

	s := strings.ToLower(v.GetString("authType"))
	if s == "" || s == string(AUTH_TYPE_APIKEY) {
		wp.AuthType = AUTH_TYPE_APIKEY
	} else if s == string(AUTH_TYPE_OAUTH) {
		wp.AuthType = AUTH_TYPE_OAUTH
	} else {
		return nil, fmt.Errorf("invalid authentication type: %s", s)
	}

	if wp.AuthType == AUTH_TYPE_APIKEY {
		if wp.ApiKey == "" {
			return nil, fmt.Errorf("missing webamon api key")
		}
		return wp, nil
	}

	s = strings.ToLower(v.GetString("oauthGrantType"))
	if s == "" || s == string(OAUTH_GRANT_TYPE_CLIENT_CREDENTIALS) {
		wp.OAuthGrantType = OAUTH_GRANT_TYPE_CLIENT_CREDENTIALS
	} else if s == string(OAUTH_GRANT_TYPE_PASSWORD) {
		wp.OAuthGrantType = OAUTH_GRANT_TYPE_PASSWORD
	} else {
		return nil, fmt.Errorf("invalid oauth grant type: %s", s)
	}

	wp.OAuthTokenURL = v.GetString("oauthTokenUrl")
	if wp.OAuthTokenURL == "" {
		return nil, fmt.Errorf("missing webamon oauth token url")
	}

	wp.OAuthClientID = v.GetString("oauthClientId")
	if wp.OAuthClientID == "" {
		return nil, fmt.Errorf("missing webamon oauth client ID")
	}

	wp.OAuthClientSecret = v.GetString("oauthClientSecret")
	if wp.OAuthClientSecret == "" {
		return nil, fmt.Errorf("missing webamon oauth secret key")
	}

	wp.OAuthScopes = v.GetStringSlice("oauthScopes")

	if wp.OAuthGrantType == OAUTH_GRANT_TYPE_PASSWORD {
		wp.ApiUser = v.GetString("apiUser")
		if wp.ApiUser == "" {
			return nil, fmt.Errorf("missing webamon api user")
		}

		wp.ApiPassword = v.GetString("apiPassword")
		if wp.ApiPassword == "" {
			return nil, fmt.Errorf("missing webamon api password")
		}
	}

	return wp, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
