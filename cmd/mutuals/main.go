package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/crush-match/crush/internal/accounts"
	"github.com/crush-match/crush/internal/crushstore"
	"github.com/crush-match/crush/internal/mastodonapi"
	"github.com/crush-match/crush/internal/mutuals"
	"github.com/crush-match/crush/internal/securestore"
	"github.com/crush-match/crush/internal/session"
	"github.com/crush-match/crush/internal/social"
	"github.com/crush-match/crush/internal/twitterapi"
)

const (
	commandUse              = "mutuals"
	commandShortDescription = "Print the annotated mutual list for the current account"
	envPrefix               = "CRUSH_MUTUALS"

	flagDataDirName                = "data-dir"
	flagDataDirDescription         = "Directory for the encrypted local store"
	flagConsumerKeyName            = "consumer-key"
	flagConsumerKeyDescription     = "OAuth1 consumer key"
	flagConsumerSecretName         = "consumer-secret"
	flagConsumerSecretDescription  = "OAuth1 consumer secret"
	flagCrushStoreURLName          = "crush-store-url"
	flagCrushStoreURLDescription   = "Base URL of the relationship document store"
	flagCrushStoreTokenName        = "crush-store-token"
	flagCrushStoreTokenDescription = "Bearer token for the relationship document store"

	defaultDataDir = ".crush"

	errMessageStoreOpen     = "open encrypted store"
	errMessageRegistryInit  = "initialize account registry"
	errMessageNoAccount     = "no account is linked; run the server and log in first"
	errMessageResolve       = "resolve mutual list"
	outputLineFormat        = "%-20s %-30s %s\n"
	outputHeaderUsername    = "USERNAME"
	outputHeaderFullName    = "FULL NAME"
	outputHeaderCrush       = "CRUSH"
	crushLabelNone          = "-"
	crushLabelOutgoing      = "crush"
	crushLabelMutual        = "mutual crush"
	mastodonUsernameFormat  = "%s@%s"
)

func main() {
	cobra.CheckErr(newMutualsCommand().Execute())
}

func newMutualsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runMutualsCommand,
	}

	command.Flags().String(flagDataDirName, defaultDataDir, flagDataDirDescription)
	command.Flags().String(flagConsumerKeyName, "", flagConsumerKeyDescription)
	command.Flags().String(flagConsumerSecretName, "", flagConsumerSecretDescription)
	command.Flags().String(flagCrushStoreURLName, "", flagCrushStoreURLDescription)
	command.Flags().String(flagCrushStoreTokenName, "", flagCrushStoreTokenDescription)

	for _, flagName := range []string{
		flagDataDirName,
		flagConsumerKeyName,
		flagConsumerSecretName,
		flagCrushStoreURLName,
		flagCrushStoreTokenName,
	} {
		cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runMutualsCommand(command *cobra.Command, _ []string) error {
	logger := zap.NewNop()

	store, err := securestore.Open(viper.GetString(flagDataDirName))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageStoreOpen, err)
	}

	userSession := session.New()
	twitterClient, err := twitterapi.NewClient(twitterapi.Config{
		ConsumerKey:    viper.GetString(flagConsumerKeyName),
		ConsumerSecret: viper.GetString(flagConsumerSecretName),
		Credentials:    userSession,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	mastodonClient := mastodonapi.NewClient(mastodonapi.Config{Logger: logger})

	registry := accounts.NewRegistry(store, map[social.Kind]accounts.ProfileRefresher{
		social.KindTwitter:  twitterClient,
		social.KindMastodon: mastodonClient,
	}, logger)
	if err := registry.Initialize(); err != nil {
		return fmt.Errorf("%s: %w", errMessageRegistryInit, err)
	}
	userSession.Bind(registry)

	currentAccount, hasCurrent := registry.Current()
	if !hasCurrent {
		return fmt.Errorf("%s", errMessageNoAccount)
	}

	crushService := crushstore.NewService(
		crushstore.NewHTTPStore(viper.GetString(flagCrushStoreURLName), viper.GetString(flagCrushStoreTokenName), nil),
		nil,
	)
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{
		social.KindTwitter:  twitterClient,
		social.KindMastodon: mastodonClient,
	}, crushService, logger)

	resolvedUsers, err := resolver.Resolve(context.Background(), currentAccount)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageResolve, err)
	}

	output := command.OutOrStdout()
	fmt.Fprintf(output, outputLineFormat, outputHeaderUsername, outputHeaderFullName, outputHeaderCrush)
	for _, resolvedUser := range resolvedUsers {
		username := resolvedUser.Username
		if resolvedUser.Domain != "" {
			username = fmt.Sprintf(mastodonUsernameFormat, resolvedUser.Username, resolvedUser.Domain)
		}
		fmt.Fprintf(output, outputLineFormat, username, resolvedUser.FullName, crushLabel(resolvedUser.Crush))
	}
	return nil
}

func crushLabel(crush social.CrushType) string {
	switch crush {
	case social.CrushMutual:
		return crushLabelMutual
	case social.CrushOutgoing:
		return crushLabelOutgoing
	default:
		return crushLabelNone
	}
}
