package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/weatherhub/weatherhub/internal/telemetry"
)

// Config carries everything one delegation chain needs. All endpoints are
// overridable so tests can point the chain at local servers.
type Config struct {
	Audience          string // token-exchange audience, e.g. api://AzureADTokenExchange
	FederatedClientID string // managed-identity client used as the trust anchor
	ClientID          string // application client performing the OBO exchange
	TenantID          string // the only tenant accepted from inbound bearers
	Hostname          string // deployment hostname, used only for the consent link
	IdentityEndpoint  string // IMDS-style managed-identity token endpoint
	LoginBase         string // e.g. https://login.microsoftonline.com
	GraphBase         string // downstream profile API, e.g. https://graph.microsoft.com
	Timeout           time.Duration
}

// Exchanger performs the On-Behalf-Of delegation chain for exactly one call.
// A fresh Exchanger is built per inbound request; nothing is cached.
type Exchanger struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewExchanger(cfg Config, logger *slog.Logger) *Exchanger {
	return &Exchanger{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Outcome is the single caller-facing result of a delegation attempt.
// Chain failures never surface raw errors; they collapse into a
// remediation outcome carrying a consent link.
type Outcome struct {
	Authenticated bool           `json:"authenticated"`
	Message       string         `json:"message,omitempty"`
	ConsentURL    string         `json:"consent_url,omitempty"`
	Profile       map[string]any `json:"profile,omitempty"`
}

// Exchange runs the full chain: bearer extraction, platform credential,
// On-Behalf-Of exchange, downstream profile call, masking. A missing
// authorization header short-circuits before any network activity.
func (e *Exchanger) Exchange(ctx context.Context, headers http.Header) Outcome {
	bearer := bearerToken(headers)
	if bearer == "" {
		return Outcome{Authenticated: false, Message: "No authentication headers found"}
	}

	profile, err := e.delegate(ctx, bearer)
	if err != nil {
		// The chain has many distinct failure causes (expired token, missing
		// consent, network error); the caller gets one remediation path.
		e.logger.Warn("identity delegation failed", "err", err)
		telemetry.IncTokenExchange("failure")
		return Outcome{
			Authenticated: false,
			Message:       "Unable to act on your behalf. Grant consent and retry.",
			ConsentURL:    e.consentURL(),
		}
	}

	telemetry.IncTokenExchange("success")
	return Outcome{Authenticated: true, Profile: profile}
}

func (e *Exchanger) delegate(ctx context.Context, bearer string) (map[string]any, error) {
	if err := preflightBearer(bearer, e.cfg.TenantID); err != nil {
		return nil, err
	}

	platform, err := e.platformCredential(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire platform credential: %w", err)
	}

	delegated, err := e.onBehalfOf(ctx, bearer, platform)
	if err != nil {
		return nil, fmt.Errorf("on-behalf-of exchange: %w", err)
	}

	raw, err := e.fetchProfile(ctx, delegated)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	return MaskProfile(raw), nil
}

func bearerToken(headers http.Header) string {
	auth := strings.TrimSpace(headers.Get("Authorization"))
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// preflightBearer inspects the inbound token's claims without verifying the
// signature (verification belongs to the token issuer during the exchange).
// Clearly expired tokens and foreign tenants are rejected before any hop.
func preflightBearer(raw, tenantID string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("parse bearer token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("read bearer expiry: %w", err)
	}
	if exp != nil && time.Now().After(exp.Time) {
		return fmt.Errorf("bearer token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}

	if tenantID != "" {
		if tid, _ := claims["tid"].(string); tid != "" && !strings.EqualFold(tid, tenantID) {
			return fmt.Errorf("bearer tenant %s is not allowed", tid)
		}
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// platformCredential requests a managed-identity token scoped to the
// configured exchange audience. This token is the trust anchor for the
// On-Behalf-Of hop; it never reaches the downstream API.
func (e *Exchanger) platformCredential(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("api-version", "2019-08-01")
	q.Set("resource", e.cfg.Audience)
	if e.cfg.FederatedClientID != "" {
		q.Set("client_id", e.cfg.FederatedClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.IdentityEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata", "true")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		telemetry.IncUpstreamError("identity", 0)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		telemetry.IncUpstreamError("identity", resp.StatusCode)
		return "", &apiError{Operation: "platform credential", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode platform credential: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("platform credential response has no access_token")
	}
	return tok.AccessToken, nil
}

// onBehalfOf exchanges the caller's bearer for a token scoped to the
// downstream profile API. The platform credential signs the request as the
// client assertion; the resulting token represents the original caller.
func (e *Exchanger) onBehalfOf(ctx context.Context, bearer, platform string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("client_id", e.cfg.ClientID)
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", platform)
	form.Set("assertion", bearer)
	form.Set("requested_token_use", "on_behalf_of")
	form.Set("scope", e.cfg.GraphBase+"/.default")

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", e.cfg.LoginBase, e.cfg.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		telemetry.IncUpstreamError("login", 0)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		telemetry.IncUpstreamError("login", resp.StatusCode)
		return "", &apiError{Operation: "on-behalf-of exchange", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode on-behalf-of response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("on-behalf-of response has no access_token")
	}
	return tok.AccessToken, nil
}

func (e *Exchanger) fetchProfile(ctx context.Context, token string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.GraphBase+"/v1.0/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		telemetry.IncUpstreamError("graph", 0)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		telemetry.IncUpstreamError("graph", resp.StatusCode)
		return nil, &apiError{Operation: "get profile", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var profile map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (e *Exchanger) consentURL() string {
	host := e.cfg.Hostname
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("https://%s/.auth/login/aad?prompt=consent", host)
}

type apiError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}
