package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/philsphicas/hycows/internal/config"
	"github.com/philsphicas/hycows/internal/provision"
	"github.com/philsphicas/hycows/relay"
)

func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Manage hybrid connections through Azure Resource Manager",
		Long: `Create, inspect and delete hybrid connections and their SAS rules.
Authenticates with DefaultAzureCredential.`,
	}

	create := &cobra.Command{
		Use:   "create [hyco]",
		Short: "Create or update a hybrid connection",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProvisionCreate,
	}
	create.Flags().Bool("requires-client-auth", true, "require senders to present a token")
	create.Flags().String("metadata", "", "user metadata stored on the hybrid connection")
	create.Flags().String("rule", "", "also create a SAS authorization rule with this name")
	create.Flags().StringSlice("rights", []string{"Listen", "Send"}, "rights for --rule (Listen, Send, Manage)")

	del := &cobra.Command{
		Use:   "delete [hyco]",
		Short: "Delete a hybrid connection",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProvisionDelete,
	}

	keys := &cobra.Command{
		Use:   "keys [hyco]",
		Short: "Print the SAS key of an authorization rule as environment settings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProvisionKeys,
	}
	keys.Flags().String("rule", "hycows", "authorization rule name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List hybrid connections in the namespace",
		Args:  cobra.NoArgs,
		RunE:  runProvisionList,
	}

	for _, c := range []*cobra.Command{create, del, keys, list} {
		addRelayFlags(c)
		c.Flags().String("subscription", "", "Azure subscription ID")
		c.Flags().String("resource-group", "", "resource group of the relay namespace")
		cmd.AddCommand(c)
	}
	return cmd
}

// namespaceName reduces a namespace name, FQDN or URI to the ARM resource name.
func namespaceName(input string) string {
	host := relay.ParseRelayEndpoint(input, "")
	name, _, _ := strings.Cut(host, ".")
	return name
}

func parseRights(names []string) ([]provision.Right, error) {
	var rights []provision.Right
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "listen":
			rights = append(rights, provision.RightListen)
		case "send":
			rights = append(rights, provision.RightSend)
		case "manage":
			rights = append(rights, provision.RightManage)
		default:
			return nil, fmt.Errorf("unknown right %q (want Listen, Send or Manage)", n)
		}
	}
	return rights, nil
}

// provisionClient resolves settings and builds an ARM client for cmd.
func provisionClient(cmd *cobra.Command, args []string) (*provision.Client, *config.Config, error) {
	cfg, err := loadConfig(cmd, os.LookupEnv)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Hyco == "" && len(args) > 0 {
		cfg.Hyco = args[0]
	}
	if cfg.Relay == "" {
		if _, err := cfg.Namespace(); err != nil {
			return nil, nil, err
		}
	}
	logger := newLogger(cfg.LogLevel)
	client, err := provision.NewClient(cfg.SubscriptionID, cfg.ResourceGroup, namespaceName(cfg.Relay), logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

func runProvisionCreate(cmd *cobra.Command, args []string) error {
	client, cfg, err := provisionClient(cmd, args)
	if err != nil {
		return err
	}
	hyco, err := cfg.HybridConnection()
	if err != nil {
		return err
	}
	rule, _ := cmd.Flags().GetString("rule")
	rightNames, _ := cmd.Flags().GetStringSlice("rights")
	rights, err := parseRights(rightNames)
	if err != nil {
		return err
	}
	requiresAuth, _ := cmd.Flags().GetBool("requires-client-auth")
	metadata, _ := cmd.Flags().GetString("metadata")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hc, err := client.CreateHybridConnection(ctx, hyco, provision.CreateOptions{
		RequiresClientAuthorization: requiresAuth,
		UserMetadata:                metadata,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hybrid connection %s ready (requires client authorization: %t)\n", hc.Name, hc.RequiresClientAuthorization)

	if rule != "" {
		if err := client.EnsureAuthorizationRule(ctx, hyco, rule, rights...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "authorization rule %s ready\n", rule)
	}
	return nil
}

func runProvisionDelete(cmd *cobra.Command, args []string) error {
	client, cfg, err := provisionClient(cmd, args)
	if err != nil {
		return err
	}
	hyco, err := cfg.HybridConnection()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := client.DeleteHybridConnection(ctx, hyco); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hybrid connection %s deleted\n", hyco)
	return nil
}

func runProvisionKeys(cmd *cobra.Command, args []string) error {
	client, cfg, err := provisionClient(cmd, args)
	if err != nil {
		return err
	}
	hyco, err := cfg.HybridConnection()
	if err != nil {
		return err
	}
	rule, _ := cmd.Flags().GetString("rule")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	keys, err := client.ListKeys(ctx, hyco, rule)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%sKEY_NAME=%s\n", config.EnvPrefix, keys.KeyName)
	fmt.Fprintf(out, "%sKEY=%s\n", config.EnvPrefix, keys.PrimaryKey)
	return nil
}

func runProvisionList(cmd *cobra.Command, args []string) error {
	client, _, err := provisionClient(cmd, args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hcs, err := client.ListHybridConnections(ctx)
	if err != nil {
		return err
	}
	for _, hc := range hcs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tlisteners=%d\tclient-auth=%t\n", hc.Name, hc.ListenerCount, hc.RequiresClientAuthorization)
	}
	return nil
}
