package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tyemirov/oauthbridge/internal/identity"
	"golang.org/x/oauth2"
	githubendpoint "golang.org/x/oauth2/github"
	"golang.org/x/sync/errgroup"
)

// ProviderName is stored on linked users and used as the route key.
const ProviderName = "github"

const (
	defaultAPIBaseURL   = "https://api.github.com"
	defaultScope        = "user:email"
	maxResponseBodySize = 1 << 20
)

var (
	errMissingClientID     = errors.New("github.missing_client_id")
	errMissingClientSecret = errors.New("github.missing_client_secret")
	errMissingRedirectURL  = errors.New("github.missing_redirect_url")
)

// Config configures the GitHub provider. Zero Endpoint and APIBaseURL select github.com.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	APIBaseURL   string
	HTTPClient   *http.Client
}

// Provider implements provider.Provider against the GitHub OAuth app flow.
type Provider struct {
	oauthConfig *oauth2.Config
	apiBaseURL  string
	httpClient  *http.Client
}

type tokenExchangeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenExchangeResponse struct {
	AccessToken string `json:"access_token"`
}

type userProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type userEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// New validates the configuration and constructs a Provider.
func New(configuration Config) (*Provider, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, fmt.Errorf("github.new: %w", errMissingClientID)
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, fmt.Errorf("github.new: %w", errMissingClientSecret)
	}
	if strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, fmt.Errorf("github.new: %w", errMissingRedirectURL)
	}
	endpoint := configuration.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = githubendpoint.Endpoint
	}
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = []string{defaultScope}
	}
	apiBaseURL := strings.TrimRight(configuration.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider identifier.
func (provider *Provider) Name() string {
	return ProviderName
}

// AuthCodeURL builds the GitHub authorize URL.
func (provider *Provider) AuthCodeURL(state string) string {
	return provider.oauthConfig.AuthCodeURL(state)
}

// ExchangeCode posts the code to the token endpoint. A fully read response that lacks access_token
// (GitHub answers bad codes with 200 and an error body) is ErrTokenExchangeFailed; transport
// failures, including a body cut short by the deadline, and non-2xx statuses are ErrAuthFailed.
func (provider *Provider) ExchangeCode(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("github.exchange: %w", identity.ErrMissingCode)
	}
	payload, marshalErr := json.Marshal(tokenExchangeRequest{
		ClientID:     provider.oauthConfig.ClientID,
		ClientSecret: provider.oauthConfig.ClientSecret,
		Code:         code,
		RedirectURI:  provider.oauthConfig.RedirectURL,
	})
	if marshalErr != nil {
		return "", fmt.Errorf("github.exchange.encode: %w: %w", identity.ErrAuthFailed, marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, provider.oauthConfig.Endpoint.TokenURL, bytes.NewReader(payload))
	if requestErr != nil {
		return "", fmt.Errorf("github.exchange.request: %w: %w", identity.ErrAuthFailed, requestErr)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Type", "application/json")

	response, doErr := provider.httpClient.Do(request)
	if doErr != nil {
		return "", fmt.Errorf("github.exchange.transport: %w: %w", identity.ErrAuthFailed, doErr)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("github.exchange.status_%d: %w", response.StatusCode, identity.ErrAuthFailed)
	}

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodySize))
	if readErr != nil {
		return "", fmt.Errorf("github.exchange.read: %w: %w", identity.ErrAuthFailed, readErr)
	}
	var decoded tokenExchangeResponse
	if decodeErr := json.Unmarshal(body, &decoded); decodeErr != nil {
		return "", fmt.Errorf("github.exchange.decode: %w", identity.ErrTokenExchangeFailed)
	}
	if strings.TrimSpace(decoded.AccessToken) == "" {
		return "", fmt.Errorf("github.exchange: %w", identity.ErrTokenExchangeFailed)
	}
	return decoded.AccessToken, nil
}

// FetchIdentity fetches /user and /user/emails concurrently and waits for both.
func (provider *Provider) FetchIdentity(ctx context.Context, accessToken string) (identity.ExternalIdentity, error) {
	clientContext := context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
	bearerClient := provider.oauthConfig.Client(clientContext, &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	var profile userProfile
	var emails []userEmail
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		return provider.getJSON(groupContext, bearerClient, "/user", &profile)
	})
	group.Go(func() error {
		return provider.getJSON(groupContext, bearerClient, "/user/emails", &emails)
	})
	if waitErr := group.Wait(); waitErr != nil {
		return identity.ExternalIdentity{}, waitErr
	}

	primaryEmail := selectPrimaryEmail(emails, profile.Email)
	if primaryEmail == "" {
		return identity.ExternalIdentity{}, fmt.Errorf("github.identity: %w", identity.ErrNoPrimaryEmail)
	}
	if profile.ID == 0 {
		return identity.ExternalIdentity{}, fmt.Errorf("github.identity.missing_id: %w", identity.ErrAuthFailed)
	}
	return identity.ExternalIdentity{
		Provider:     ProviderName,
		ExternalID:   strconv.FormatInt(profile.ID, 10),
		PrimaryEmail: primaryEmail,
		DisplayName:  profile.Name,
		Login:        profile.Login,
		AvatarURL:    profile.AvatarURL,
	}, nil
}

func (provider *Provider) getJSON(ctx context.Context, client *http.Client, path string, target any) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, provider.apiBaseURL+path, nil)
	if requestErr != nil {
		return fmt.Errorf("github.get%s.request: %w: %w", path, identity.ErrAuthFailed, requestErr)
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	response, doErr := client.Do(request)
	if doErr != nil {
		return fmt.Errorf("github.get%s.transport: %w: %w", path, identity.ErrAuthFailed, doErr)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("github.get%s.status_%d: %w", path, response.StatusCode, identity.ErrAuthFailed)
	}
	if decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxResponseBodySize)).Decode(target); decodeErr != nil {
		return fmt.Errorf("github.get%s.decode: %w: %w", path, identity.ErrAuthFailed, decodeErr)
	}
	return nil
}

func selectPrimaryEmail(emails []userEmail, profileEmail string) string {
	for _, candidate := range emails {
		if candidate.Primary && candidate.Email != "" {
			return candidate.Email
		}
	}
	return profileEmail
}
