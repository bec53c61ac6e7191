package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tyemirov/oauthbridge/internal/directory"
	"github.com/tyemirov/oauthbridge/internal/identity"
	"github.com/tyemirov/oauthbridge/internal/provider"
	"go.uber.org/zap"
)

// Stage is a step of the callback state machine. Stages only advance; a failure at any stage ends
// the flow with a failure redirect.
type Stage string

// Callback stages in order.
const (
	StageStart           Stage = "start"
	StageCodeReceived    Stage = "code_received"
	StageTokenExchanged  Stage = "token_exchanged"
	StageIdentityFetched Stage = "identity_fetched"
	StageUserResolved    Stage = "user_resolved"
	StageTokensMinted    Stage = "tokens_minted"
	StageRedirected      Stage = "redirected"
)

const (
	frontendCallbackPath = "/auth/callback"
	frontendLoginPath    = "/login"
)

// CallbackError records where a callback failed and the code shown to the frontend.
type CallbackError struct {
	Stage Stage
	Code  string
	Err   error
}

func (callbackErr *CallbackError) Error() string {
	return fmt.Sprintf("callback.%s.%s: %v", callbackErr.Stage, callbackErr.Code, callbackErr.Err)
}

func (callbackErr *CallbackError) Unwrap() error {
	return callbackErr.Err
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the clock used for token timestamps.
func WithClock(clock Clock) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if clock != nil {
			coordinator.clock = clock
		}
	}
}

// WithMetrics records callback outcomes on recorder.
func WithMetrics(recorder MetricsRecorder) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if recorder != nil {
			coordinator.metrics = recorder
		}
	}
}

// WithStateStore requires every callback to present a state value issued by store.
func WithStateStore(store StateStore) CoordinatorOption {
	return func(coordinator *Coordinator) {
		coordinator.states = store
	}
}

// Coordinator drives one callback from code to session tokens.
type Coordinator struct {
	configuration ServerConfig
	reconciler    *Reconciler
	minter        *TokenMinter
	states        StateStore
	metrics       MetricsRecorder
	clock         Clock
	logger        *zap.Logger
}

// NewCoordinator wires the reconciler and minter for configuration.
func NewCoordinator(configuration ServerConfig, users directory.Directory, logger *zap.Logger, options ...CoordinatorOption) (*Coordinator, error) {
	if users == nil {
		return nil, errors.New("coordinator.missing_directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	minter, minterErr := NewTokenMinter(configuration)
	if minterErr != nil {
		return nil, minterErr
	}
	coordinator := &Coordinator{
		configuration: configuration,
		reconciler:    NewReconciler(users, configuration.DefaultUserRole, configuration.DirectoryTimeout, logger),
		minter:        minter,
		metrics:       noopMetrics{},
		clock:         NewSystemClock(),
		logger:        logger,
	}
	for _, option := range options {
		option(coordinator)
	}
	return coordinator, nil
}

// AuthorizeURL returns the provider authorize URL, carrying a fresh state value when a StateStore
// is configured.
func (coordinator *Coordinator) AuthorizeURL(ctx context.Context, selected provider.Provider) (string, error) {
	state := ""
	if coordinator.states != nil {
		issued, issueErr := coordinator.states.Issue(ctx)
		if issueErr != nil {
			return "", fmt.Errorf("authorize.state: %w", issueErr)
		}
		state = issued
	}
	coordinator.metrics.Increment(MetricAuthorizeRedirect)
	return selected.AuthCodeURL(state), nil
}

// Complete runs the callback stages for selected. The returned error, when non-nil, is always a
// *CallbackError.
func (coordinator *Coordinator) Complete(ctx context.Context, selected provider.Provider, code string, state string) (tokens SessionTokens, err error) {
	stage := StageStart
	defer func() {
		if recovered := recover(); recovered != nil {
			coordinator.logger.Error("callback panic recovered",
				zap.String("code", "callback.panic"),
				zap.String("stage", string(stage)),
				zap.Any("panic", recovered))
			tokens = SessionTokens{}
			err = &CallbackError{Stage: stage, Code: identity.FailureCodeAuthFailed, Err: fmt.Errorf("panic: %v: %w", recovered, identity.ErrAuthFailed)}
		}
		coordinator.record(err)
	}()

	if strings.TrimSpace(code) == "" {
		return SessionTokens{}, coordinator.fail(stage, identity.ErrMissingCode)
	}
	if coordinator.states != nil {
		if consumeErr := coordinator.states.Consume(ctx, state); consumeErr != nil {
			return SessionTokens{}, coordinator.fail(stage, fmt.Errorf("%w: %w", identity.ErrInvalidState, consumeErr))
		}
	}
	stage = StageCodeReceived

	exchangeContext, cancelExchange := coordinator.providerContext(ctx)
	providerToken, exchangeErr := selected.ExchangeCode(exchangeContext, code)
	cancelExchange()
	if exchangeErr != nil {
		return SessionTokens{}, coordinator.fail(stage, exchangeErr)
	}
	stage = StageTokenExchanged

	fetchContext, cancelFetch := coordinator.providerContext(ctx)
	externalIdentity, fetchErr := selected.FetchIdentity(fetchContext, providerToken)
	cancelFetch()
	if fetchErr != nil {
		return SessionTokens{}, coordinator.fail(stage, fetchErr)
	}
	stage = StageIdentityFetched

	user, outcome, reconcileErr := coordinator.reconciler.Reconcile(ctx, externalIdentity)
	if reconcileErr != nil {
		return SessionTokens{}, coordinator.fail(stage, reconcileErr)
	}
	stage = StageUserResolved

	minted, mintErr := coordinator.minter.Mint(user, coordinator.clock.Now())
	if mintErr != nil {
		return SessionTokens{}, coordinator.fail(stage, fmt.Errorf("%w: %w", identity.ErrAuthFailed, mintErr))
	}
	stage = StageTokensMinted

	coordinator.logger.Info("callback completed",
		zap.String("code", "callback.success"),
		zap.String("provider", selected.Name()),
		zap.String("user_id", user.ID),
		zap.String("outcome", string(outcome)))
	return minted, nil
}

// SuccessRedirect is the frontend URL that receives both session tokens.
func (coordinator *Coordinator) SuccessRedirect(tokens SessionTokens) string {
	query := url.Values{}
	query.Set("access_token", tokens.AccessToken)
	query.Set("refresh_token", tokens.RefreshToken)
	return coordinator.frontendURL(frontendCallbackPath) + "?" + query.Encode()
}

// FailureRedirect is the frontend login URL carrying failureCode.
func (coordinator *Coordinator) FailureRedirect(failureCode string) string {
	query := url.Values{}
	query.Set("error", failureCode)
	return coordinator.frontendURL(frontendLoginPath) + "?" + query.Encode()
}

func (coordinator *Coordinator) frontendURL(path string) string {
	return strings.TrimRight(coordinator.configuration.FrontendURL, "/") + path
}

func (coordinator *Coordinator) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if coordinator.configuration.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, coordinator.configuration.ProviderTimeout)
}

func (coordinator *Coordinator) fail(stage Stage, cause error) error {
	failureCode := identity.FailureCode(cause)
	coordinator.logger.Warn("callback failed",
		zap.String("code", "callback.failed"),
		zap.String("stage", string(stage)),
		zap.String("failure_code", failureCode),
		zap.Error(cause))
	return &CallbackError{Stage: stage, Code: failureCode, Err: cause}
}

func (coordinator *Coordinator) record(err error) {
	if err == nil {
		coordinator.metrics.Increment(MetricCallbackSuccess)
		return
	}
	var callbackErr *CallbackError
	failureCode := identity.FailureCodeAuthFailed
	if errors.As(err, &callbackErr) {
		failureCode = callbackErr.Code
	}
	coordinator.metrics.Increment(MetricCallbackFailurePrefix + failureCode)
}
