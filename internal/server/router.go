// Package server exposes the core over a local HTTP surface: login
// starts, OAuth callbacks, account management, and the annotated mutual
// list.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crush-match/crush/internal/crushstore"
	"github.com/crush-match/crush/internal/linking"
	"github.com/crush-match/crush/internal/mastodonapi"
	"github.com/crush-match/crush/internal/social"
	"github.com/crush-match/crush/internal/webview"
)

const (
	indexRoutePath            = "/"
	staticRoutePath           = "/static"
	healthRoutePath           = "/healthz"
	loginTwitterRoutePath     = "/login/twitter"
	loginMastodonRoutePath    = "/login/mastodon"
	callbackTwitterRoutePath  = "/oauth/twitter"
	callbackMastodonRoutePath = "/oauth/mastodon"
	accountsRoutePath         = "/accounts"
	accountsCurrentRoutePath  = "/accounts/current"
	accountsRefreshRoutePath  = "/accounts/refresh"
	mutualsRoutePath          = "/mutuals"
	crushesRoutePath          = "/crushes"

	queryKeyOAuthToken    = "oauth_token"
	queryKeyOAuthVerifier = "oauth_verifier"
	queryKeyCode          = "code"
	queryKeyState         = "state"

	healthStatusKey = "status"
	healthStatusOK  = "ok"

	errorMessageUnexpected       = "unexpected error"
	errorMessageNetwork          = "network error"
	errorMessageInvalidDomain    = "invalid domain"
	errorMessageLoginInProgress  = "another login is already in progress"
	errorMessageLoginMismatch    = "login callback did not match the pending attempt"
	errorMessageNoCurrentAccount = "no account is selected"
	errorMessageCrushNotFound    = "no crush declared on that user"

	logMessageLoginStartFailure    = "login start failure"
	logMessageLoginCallbackFailure = "login callback failure"
	logMessageAccountFailure       = "account mutation failure"
	logMessageResolveFailure       = "relationship resolution failure"
	logMessageCrushFailure         = "crush mutation failure"
	logMessagePageRenderFailure    = "page render failure"

	htmlContentType = "text/html; charset=utf-8"
	ginModeRelease  = "release"
)

// LoginFlow drives the account linking state machine.
type LoginFlow interface {
	StartTwitter(ctx context.Context) (string, error)
	CompleteTwitter(ctx context.Context, callbackToken string, verifier string) (social.Account, error)
	StartMastodon(ctx context.Context, rawDomain string) (string, error)
	CompleteMastodon(ctx context.Context, code string, state string) (social.Account, error)
}

// AccountDirectory is the registry surface the handlers need.
type AccountDirectory interface {
	List() []social.Account
	Current() (social.Account, bool)
	CurrentIndex() int
	SetCurrentIndex(index int) error
	Remove(account social.Account) error
	UpdateAll(ctx context.Context) bool
}

// RelationshipResolver computes the annotated mutual list.
type RelationshipResolver interface {
	Resolve(ctx context.Context, account social.Account) ([]social.User, error)
}

// CrushDirectory mutates and checks crush declarations.
type CrushDirectory interface {
	AddCrush(ctx context.Context, kind social.Kind, owner social.UserRef, crush social.UserRef) error
	DeleteCrush(ctx context.Context, kind social.Kind, owner social.UserRef, crush social.UserRef) error
	CheckIfCrushIsMutual(ctx context.Context, kind social.Kind, owner social.UserRef, crush social.UserRef) (bool, error)
}

// RouterConfig configures the HTTP routing.
type RouterConfig struct {
	Login    LoginFlow
	Accounts AccountDirectory
	Resolver RelationshipResolver
	Crushes  CrushDirectory
	Logger   *zap.Logger
}

// NewRouter constructs a Gin engine with all core handlers attached.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := coreHandler{
		login:    configuration.Login,
		accounts: configuration.Accounts,
		resolver: configuration.Resolver,
		crushes:  configuration.Crushes,
		logger:   logger,
	}

	staticAssets, err := webview.StaticAssets()
	if err != nil {
		return nil, err
	}

	engine.GET(indexRoutePath, handler.mutualsPage)
	engine.StaticFS(staticRoutePath, http.FS(staticAssets))
	engine.GET(healthRoutePath, handler.healthStatus)
	engine.POST(loginTwitterRoutePath, handler.startTwitterLogin)
	engine.POST(loginMastodonRoutePath, handler.startMastodonLogin)
	engine.GET(callbackTwitterRoutePath, handler.completeTwitterLogin)
	engine.GET(callbackMastodonRoutePath, handler.completeMastodonLogin)
	engine.GET(accountsRoutePath, handler.listAccounts)
	engine.PUT(accountsCurrentRoutePath, handler.selectAccount)
	engine.DELETE(accountsCurrentRoutePath, handler.removeCurrentAccount)
	engine.POST(accountsRefreshRoutePath, handler.refreshAccounts)
	engine.GET(mutualsRoutePath, handler.listMutuals)
	engine.POST(crushesRoutePath, handler.addCrush)
	engine.DELETE(crushesRoutePath, handler.deleteCrush)

	return engine, nil
}

type coreHandler struct {
	login    LoginFlow
	accounts AccountDirectory
	resolver RelationshipResolver
	crushes  CrushDirectory
	logger   *zap.Logger
}

// accountView is the credential-free rendering of a linked account.
type accountView struct {
	Kind      social.Kind `json:"kind"`
	ID        int64       `json:"id"`
	Username  string      `json:"username"`
	FullName  string      `json:"full_name"`
	AvatarURL string      `json:"avatar_url"`
	BannerURL string      `json:"banner_url,omitempty"`
	Domain    string      `json:"domain,omitempty"`
}

func viewOfAccount(account social.Account) accountView {
	return accountView{
		Kind:      account.Kind,
		ID:        account.ID,
		Username:  account.Username,
		FullName:  account.FullName,
		AvatarURL: account.AvatarURL,
		BannerURL: account.BannerURL,
		Domain:    account.Domain,
	}
}

func (handler coreHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

// errorMessageFor maps the failure taxonomy onto the distinct messages
// users see.
func errorMessageFor(err error) (int, string) {
	var transportError *social.TransportError
	switch {
	case errors.Is(err, linking.ErrFlowInProgress):
		return http.StatusConflict, errorMessageLoginInProgress
	case errors.Is(err, linking.ErrAuthMismatch), errors.Is(err, linking.ErrNoFlow):
		return http.StatusUnauthorized, errorMessageLoginMismatch
	case errors.Is(err, mastodonapi.ErrInvalidDomain):
		return http.StatusBadRequest, errorMessageInvalidDomain
	case errors.Is(err, crushstore.ErrCrushNotFound):
		return http.StatusNotFound, errorMessageCrushNotFound
	case errors.As(err, &transportError):
		return http.StatusBadGateway, errorMessageNetwork
	default:
		return http.StatusInternalServerError, errorMessageUnexpected
	}
}

func (handler coreHandler) abortWithError(ginContext *gin.Context, logMessage string, err error) {
	statusCode, userMessage := errorMessageFor(err)
	handler.logger.Error(logMessage, zap.Error(err))
	ginContext.JSON(statusCode, gin.H{"error": userMessage})
}

func (handler coreHandler) startTwitterLogin(ginContext *gin.Context) {
	authorizeURL, err := handler.login.StartTwitter(ginContext.Request.Context())
	if err != nil {
		handler.abortWithError(ginContext, logMessageLoginStartFailure, err)
		return
	}
	ginContext.JSON(http.StatusAccepted, gin.H{"authorize_url": authorizeURL})
}

type mastodonLoginRequest struct {
	Domain string `json:"domain" binding:"required"`
}

func (handler coreHandler) startMastodonLogin(ginContext *gin.Context) {
	var loginRequest mastodonLoginRequest
	if err := ginContext.ShouldBindJSON(&loginRequest); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMessageInvalidDomain})
		return
	}
	authorizeURL, err := handler.login.StartMastodon(ginContext.Request.Context(), loginRequest.Domain)
	if err != nil {
		handler.abortWithError(ginContext, logMessageLoginStartFailure, err)
		return
	}
	ginContext.JSON(http.StatusAccepted, gin.H{"authorize_url": authorizeURL})
}

func (handler coreHandler) completeTwitterLogin(ginContext *gin.Context) {
	callbackToken := ginContext.Query(queryKeyOAuthToken)
	verifier := ginContext.Query(queryKeyOAuthVerifier)
	account, err := handler.login.CompleteTwitter(ginContext.Request.Context(), callbackToken, verifier)
	if err != nil {
		handler.abortWithError(ginContext, logMessageLoginCallbackFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"account": viewOfAccount(account)})
}

func (handler coreHandler) completeMastodonLogin(ginContext *gin.Context) {
	code := ginContext.Query(queryKeyCode)
	state := ginContext.Query(queryKeyState)
	account, err := handler.login.CompleteMastodon(ginContext.Request.Context(), code, state)
	if err != nil {
		handler.abortWithError(ginContext, logMessageLoginCallbackFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"account": viewOfAccount(account)})
}

func (handler coreHandler) listAccounts(ginContext *gin.Context) {
	accountList := handler.accounts.List()
	accountViews := make([]accountView, 0, len(accountList))
	for _, account := range accountList {
		accountViews = append(accountViews, viewOfAccount(account))
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"accounts":      accountViews,
		"current_index": handler.accounts.CurrentIndex(),
	})
}

type selectAccountRequest struct {
	Index *int `json:"index" binding:"required"`
}

func (handler coreHandler) selectAccount(ginContext *gin.Context) {
	var selectRequest selectAccountRequest
	if err := ginContext.ShouldBindJSON(&selectRequest); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMessageUnexpected})
		return
	}
	if err := handler.accounts.SetCurrentIndex(*selectRequest.Index); err != nil {
		handler.abortWithError(ginContext, logMessageAccountFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"current_index": handler.accounts.CurrentIndex()})
}

func (handler coreHandler) removeCurrentAccount(ginContext *gin.Context) {
	currentAccount, hasCurrent := handler.accounts.Current()
	if !hasCurrent {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": errorMessageNoCurrentAccount})
		return
	}
	if err := handler.accounts.Remove(currentAccount); err != nil {
		handler.abortWithError(ginContext, logMessageAccountFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"current_index": handler.accounts.CurrentIndex()})
}

func (handler coreHandler) refreshAccounts(ginContext *gin.Context) {
	allRefreshed := handler.accounts.UpdateAll(ginContext.Request.Context())
	ginContext.JSON(http.StatusOK, gin.H{"all_refreshed": allRefreshed})
}

// mutualsPage renders the same list as listMutuals, as an HTML page.
// Resolution failures degrade to an error banner instead of a bare
// status code so the page stays usable.
func (handler coreHandler) mutualsPage(ginContext *gin.Context) {
	pageData := webview.MutualsPageData{}
	currentAccount, hasCurrent := handler.accounts.Current()
	if hasCurrent {
		pageData.OwnerName = currentAccount.Username
		resolvedUsers, err := handler.resolver.Resolve(ginContext.Request.Context(), currentAccount)
		if err != nil {
			handler.logger.Error(logMessageResolveFailure, zap.Error(err))
			_, userMessage := errorMessageFor(err)
			pageData.Errors = append(pageData.Errors, userMessage)
		}
		pageData.Users = resolvedUsers
	}
	pageHTML, err := webview.RenderMutualsPage(pageData)
	if err != nil {
		handler.logger.Error(logMessagePageRenderFailure, zap.Error(err))
		ginContext.JSON(http.StatusInternalServerError, gin.H{"error": errorMessageUnexpected})
		return
	}
	ginContext.Data(http.StatusOK, htmlContentType, []byte(pageHTML))
}

func (handler coreHandler) listMutuals(ginContext *gin.Context) {
	currentAccount, hasCurrent := handler.accounts.Current()
	if !hasCurrent {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": errorMessageNoCurrentAccount})
		return
	}
	resolvedUsers, err := handler.resolver.Resolve(ginContext.Request.Context(), currentAccount)
	if err != nil {
		handler.abortWithError(ginContext, logMessageResolveFailure, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"mutuals": resolvedUsers})
}
