package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/philsphicas/hycows/relay"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <resource-uri>",
		Short: "Print a SAS token for a relay resource",
		Long: `Mint a Shared Access Signature token for the given resource URI using
the key from HYCO_KEY_NAME and HYCO_KEY (or the config file).

Example:
  hycows token https://my-ns.servicebus.windows.net/my-hyco --expiry 10m`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
	cmd.Flags().Duration("expiry", relay.DefaultTokenExpiry, "token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, os.LookupEnv)
	if err != nil {
		return err
	}
	tp, err := cfg.SASProvider()
	if err != nil {
		return err
	}
	token, err := relay.CreateToken(args[0], tp.KeyName, tp.Key, cfg.TokenExpiry)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func uriCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Print hybrid connection websocket URIs",
	}
	cmd.AddCommand(uriActionCmd("send", "Print the sender (connect) URI", relay.SendURI))
	cmd.AddCommand(uriActionCmd("listen", "Print the listener URI", relay.ListenURI))
	return cmd
}

type uriBuilder func(namespace, path, token, id string) string

func uriActionCmd(use, short string, build uriBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [hyco]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runURI(cmd, args, build)
		},
	}
	addRelayFlags(cmd)
	cmd.Flags().String("id", "", "tracking id sent as sb-hc-id")
	cmd.Flags().Bool("with-token", false, "append a SAS token as sb-hc-token")
	cmd.Flags().Duration("expiry", time.Duration(0), "token lifetime (default 1h)")
	return cmd
}

func runURI(cmd *cobra.Command, args []string, build uriBuilder) error {
	cfg, err := loadConfig(cmd, os.LookupEnv)
	if err != nil {
		return err
	}
	ns, hyco, err := relayTarget(cfg, args)
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetString("id")
	uri := build(ns, hyco, "", id)

	if withToken, _ := cmd.Flags().GetBool("with-token"); withToken {
		tp, err := cfg.SASProvider()
		if err != nil {
			return err
		}
		if uri, err = relay.AppendToken(uri, tp.KeyName, tp.Key, cfg.TokenExpiry); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), uri)
	return nil
}
