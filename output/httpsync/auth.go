package httpsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/harrisyn/LabAnalyzer/config"
	"github.com/harrisyn/LabAnalyzer/errors"
)

// AuthProvider injects credentials into outbound requests. The engine treats
// credential material as opaque bytes.
type AuthProvider interface {
	// Apply adds credentials to a request
	Apply(req *resty.Request) error
	// HandleUnauthorized reacts to a 401; returning true means the request
	// should be retried once (e.g. after a token refresh)
	HandleUnauthorized() bool
}

// NewAuthProvider builds the provider for an auth config block
func NewAuthProvider(cfg config.AuthConfig, client *resty.Client) (AuthProvider, error) {
	switch cfg.Scheme {
	case "", config.AuthNone:
		return noAuth{}, nil
	case config.AuthAPIKey:
		header := cfg.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		return headerAuth{headers: map[string]string{header: cfg.APIKey}}, nil
	case config.AuthBearer:
		return headerAuth{headers: map[string]string{"Authorization": "Bearer " + cfg.Token}}, nil
	case config.AuthBasic:
		return basicAuth{username: cfg.Username, password: cfg.Password}, nil
	case config.AuthHeaders:
		return headerAuth{headers: cfg.Headers}, nil
	case config.AuthOAuth2:
		return &oauth2Auth{cfg: cfg, client: client}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown auth scheme %q", string(cfg.Scheme)),
			"httpsync", "NewAuthProvider", "scheme selection")
	}
}

type noAuth struct{}

func (noAuth) Apply(*resty.Request) error { return nil }
func (noAuth) HandleUnauthorized() bool   { return false }

type headerAuth struct {
	headers map[string]string
}

func (h headerAuth) Apply(req *resty.Request) error {
	for k, v := range h.headers {
		req.SetHeader(k, v)
	}
	return nil
}

func (headerAuth) HandleUnauthorized() bool { return false }

type basicAuth struct {
	username, password string
}

func (b basicAuth) Apply(req *resty.Request) error {
	req.SetBasicAuth(b.username, b.password)
	return nil
}

func (basicAuth) HandleUnauthorized() bool { return false }

// oauth2Auth implements the client-credentials grant with a cached token,
// refreshed ahead of expiry and invalidated on 401
type oauth2Auth struct {
	cfg    config.AuthConfig
	client *resty.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// tokenResponse is the token endpoint's JSON body
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (o *oauth2Auth) Apply(req *resty.Request) error {
	token, err := o.currentToken()
	if err != nil {
		return err
	}
	req.SetHeader("Authorization", "Bearer "+token)
	return nil
}

// HandleUnauthorized drops the cached token so the retry fetches a fresh one
func (o *oauth2Auth) HandleUnauthorized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.token = ""
	return true
}

func (o *oauth2Auth) currentToken() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.token != "" && time.Now().Before(o.expires) {
		return o.token, nil
	}

	form := map[string]string{
		"grant_type": "client_credentials",
		"client_id":  o.cfg.ClientID,
	}
	if o.cfg.ClientSecret != "" {
		form["client_secret"] = o.cfg.ClientSecret
	}
	if o.cfg.Scope != "" {
		form["scope"] = o.cfg.Scope
	}

	var tok tokenResponse
	req := o.client.R().
		SetFormData(form).
		SetResult(&tok)
	if o.cfg.ClientSecret != "" {
		req.SetBasicAuth(o.cfg.ClientID, o.cfg.ClientSecret)
	}

	resp, err := req.Post(o.cfg.TokenURL)
	if err != nil {
		return "", errors.WrapTransient(err, "httpsync", "oauth2", "token request")
	}
	if resp.IsError() || tok.AccessToken == "" {
		return "", errors.Wrap(errors.ErrAuthFailed, "httpsync", "oauth2",
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode()))
	}

	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	o.token = tok.AccessToken
	// Refresh slightly early to avoid racing the expiry
	o.expires = time.Now().Add(time.Duration(float64(expiresIn)*0.9) * time.Second)
	return o.token, nil
}
