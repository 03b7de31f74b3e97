package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/crush-match/crush/internal/accounts"
	"github.com/crush-match/crush/internal/crushstore"
	"github.com/crush-match/crush/internal/linking"
	"github.com/crush-match/crush/internal/mastodonapi"
	"github.com/crush-match/crush/internal/mutuals"
	"github.com/crush-match/crush/internal/securestore"
	"github.com/crush-match/crush/internal/server"
	"github.com/crush-match/crush/internal/session"
	"github.com/crush-match/crush/internal/social"
	"github.com/crush-match/crush/internal/twitterapi"
)

const (
	commandUse              = "server"
	commandShortDescription = "Serve the account linking and mutual crush API over HTTP"
	envPrefix               = "CRUSH_SERVER"

	flagHostName                   = "host"
	flagHostDescription            = "Host interface for the HTTP server"
	flagPortName                   = "port"
	flagPortDescription            = "Port for the HTTP server"
	flagDataDirName                = "data-dir"
	flagDataDirDescription         = "Directory for the encrypted local store"
	flagConsumerKeyName            = "consumer-key"
	flagConsumerKeyDescription     = "OAuth1 consumer key"
	flagConsumerSecretName         = "consumer-secret"
	flagConsumerSecretDescription  = "OAuth1 consumer secret"
	flagCallbackBaseName           = "callback-base-url"
	flagCallbackBaseDescription    = "Base URL the OAuth callbacks are served under"
	flagAppNameName                = "app-name"
	flagAppNameDescription         = "Application name registered on Mastodon instances"
	flagCrushStoreURLName          = "crush-store-url"
	flagCrushStoreURLDescription   = "Base URL of the relationship document store"
	flagCrushStoreTokenName        = "crush-store-token"
	flagCrushStoreTokenDescription = "Bearer token for the relationship document store"

	defaultHost    = "127.0.0.1"
	defaultPort    = 8787
	defaultDataDir = ".crush"
	defaultAppName = "crush-match"

	twitterCallbackPath  = "/oauth/twitter"
	mastodonCallbackPath = "/oauth/mastodon"

	errMessageLoggerCreate   = "create logger"
	errMessageStoreOpen      = "open encrypted store"
	errMessageRegistryInit   = "initialize account registry"
	errMessageFlowCreate     = "create login flow"
	errMessageListenAndServe = "listen and serve"

	logMessageStartingServer = "starting HTTP server"
	logMessageServerStopped  = "server stopped"
	logMessageListenError    = "server listen failure"
	logFieldAddress          = "address"
	logFieldAccounts         = "linked_accounts"
)

func main() {
	cobra.CheckErr(newServerCommand().Execute())
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runServerCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagDataDirName, defaultDataDir, flagDataDirDescription)
	command.Flags().String(flagConsumerKeyName, "", flagConsumerKeyDescription)
	command.Flags().String(flagConsumerSecretName, "", flagConsumerSecretDescription)
	command.Flags().String(flagCallbackBaseName, "", flagCallbackBaseDescription)
	command.Flags().String(flagAppNameName, defaultAppName, flagAppNameDescription)
	command.Flags().String(flagCrushStoreURLName, "", flagCrushStoreURLDescription)
	command.Flags().String(flagCrushStoreTokenName, "", flagCrushStoreTokenDescription)

	for _, flagName := range []string{
		flagHostName,
		flagPortName,
		flagDataDirName,
		flagConsumerKeyName,
		flagConsumerSecretName,
		flagCallbackBaseName,
		flagAppNameName,
		flagCrushStoreURLName,
		flagCrushStoreTokenName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServerCommand(*cobra.Command, []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	host := viper.GetString(flagHostName)
	port := viper.GetInt(flagPortName)
	address := fmt.Sprintf("%s:%d", host, port)
	callbackBase := viper.GetString(flagCallbackBaseName)
	if callbackBase == "" {
		callbackBase = fmt.Sprintf("http://%s", address)
	}

	store, err := securestore.Open(viper.GetString(flagDataDirName))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageStoreOpen, err)
	}

	userSession := session.New()
	twitterClient, err := twitterapi.NewClient(twitterapi.Config{
		ConsumerKey:    viper.GetString(flagConsumerKeyName),
		ConsumerSecret: viper.GetString(flagConsumerSecretName),
		CallbackURL:    callbackBase + twitterCallbackPath,
		Credentials:    userSession,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	mastodonClient := mastodonapi.NewClient(mastodonapi.Config{
		AppName:     viper.GetString(flagAppNameName),
		RedirectURL: callbackBase + mastodonCallbackPath,
		Logger:      logger,
	})

	registry := accounts.NewRegistry(store, map[social.Kind]accounts.ProfileRefresher{
		social.KindTwitter:  twitterClient,
		social.KindMastodon: mastodonClient,
	}, logger)
	if err := registry.Initialize(); err != nil {
		return fmt.Errorf("%s: %w", errMessageRegistryInit, err)
	}
	userSession.Bind(registry)

	loginFlow, err := linking.NewFlow(store, twitterClient, mastodonClient, registry, nil, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageFlowCreate, err)
	}

	crushService := crushstore.NewService(
		crushstore.NewHTTPStore(viper.GetString(flagCrushStoreURLName), viper.GetString(flagCrushStoreTokenName), nil),
		nil,
	)
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{
		social.KindTwitter:  twitterClient,
		social.KindMastodon: mastodonClient,
	}, crushService, logger)

	router, err := server.NewRouter(server.RouterConfig{
		Login:    loginFlow,
		Accounts: registry,
		Resolver: resolver,
		Crushes:  crushService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info(logMessageStartingServer,
		zap.String(logFieldAddress, address),
		zap.Int(logFieldAccounts, len(registry.List())),
	)

	httpServer := &http.Server{Addr: address, Handler: router}
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(logMessageListenError, zap.Error(err))
		return fmt.Errorf("%s: %w", errMessageListenAndServe, err)
	}

	logger.Info(logMessageServerStopped)
	return nil
}
