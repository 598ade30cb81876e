package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/brianly1003/mstream/internal/config"
	"github.com/spf13/cobra"
)

var (
	accountServer   string
	accountToken    string
	accountTokenEnv string
)

// accountCmd manages configured accounts.
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage streaming accounts",
	Long: `Add, list and remove the accounts mstream streams from.

Examples:
  mstream account add main --server https://mastodon.social --token-env MSTREAM_MAIN_TOKEN
  mstream account list
  mstream account remove main`,
}

var accountAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE:  runAccountList,
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

func init() {
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountRemoveCmd)

	accountAddCmd.Flags().StringVar(&accountServer, "server", "", "server URL or host name")
	accountAddCmd.Flags().StringVar(&accountToken, "token", "", "access token (stored in the config file)")
	accountAddCmd.Flags().StringVar(&accountTokenEnv, "token-env", "", "environment variable holding the access token")
	_ = accountAddCmd.MarkFlagRequired("server")
}

// configPathForWrite returns the file account changes are saved to.
func configPathForWrite(cfg *config.Config) string {
	if cfgFile != "" {
		return cfgFile
	}
	if cfg.Path != "" {
		return cfg.Path
	}
	return config.DefaultConfigPath()
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.AddAccount(config.AccountConfig{
		Name:     args[0],
		Server:   accountServer,
		Token:    accountToken,
		TokenEnv: accountTokenEnv,
	}); err != nil {
		return err
	}

	path := configPathForWrite(cfg)
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Printf("Added account %s to %s\n", args[0], path)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		fmt.Println("No accounts configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER\tTOKEN")
	for _, a := range cfg.Accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, a.Server, tokenSource(a))
	}
	return w.Flush()
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.RemoveAccount(args[0]); err != nil {
		return err
	}

	path := configPathForWrite(cfg)
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Printf("Removed account %s\n", args[0])
	return nil
}

// tokenSource describes where an account's token comes from without
// printing it.
func tokenSource(a config.AccountConfig) string {
	return credentialSource(a.Token, a.TokenEnv, "missing")
}

// credentialSource describes where a token comes from without revealing it.
func credentialSource(token, env, none string) string {
	switch {
	case token != "":
		return "inline"
	case env != "" && os.Getenv(env) != "":
		return "$" + env
	case env != "":
		return "$" + env + " (unset)"
	default:
		return none
	}
}
