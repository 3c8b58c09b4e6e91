package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/oidc"
	"github.com/theirongolddev/vacount/internal/vault"
)

var (
	loginMethod string
	loginMount  string
	loginRole   string
	loginPort   int
	loginNoSave bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to Vault and store the token",
	Long: `Log in to Vault. The default method opens the browser for an OIDC login
and waits for the redirect on a local callback port. --method token reads a
token from the terminal and verifies it. The token is saved to the config
file unless --no-save is given.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginMethod, "method", "oidc", "Login method: oidc or token")
	loginCmd.Flags().StringVar(&loginMount, "mount", "", "OIDC auth mount (default from config)")
	loginCmd.Flags().StringVar(&loginRole, "role", "", "OIDC role (default from config)")
	loginCmd.Flags().IntVar(&loginPort, "port", 0, "Local callback port (default from config, 8250)")
	loginCmd.Flags().BoolVar(&loginNoSave, "no-save", false, "Print the token instead of saving it")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	client, v, err := newVaultClient(vault.Options{})
	if err != nil {
		return err
	}

	var token string
	switch strings.ToLower(loginMethod) {
	case "oidc":
		token, err = loginOIDC(cmd.Context(), client)
	case "token":
		token, err = loginToken(cmd.Context(), client)
	default:
		return fmt.Errorf("unknown login method %q (want oidc or token)", loginMethod)
	}
	if err != nil {
		return err
	}

	if loginNoSave {
		fmt.Println(token)
		return nil
	}

	cfg := appCfg
	cfg.Vault.Token = token
	if cfg.Vault.Addr == "" {
		cfg.Vault.Addr = v.Addr
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	fmt.Printf("  Logged in. Token saved to %s\n", config.Path())
	if os.Getenv(config.EnvToken) != "" {
		fmt.Printf("  Note: %s is set and takes precedence over the saved token.\n", config.EnvToken)
	}
	return nil
}

func loginOIDC(ctx context.Context, client *vault.Client) (string, error) {
	mount := firstNonEmpty(loginMount, appCfg.Vault.AuthMount, "oidc")
	role := firstNonEmpty(loginRole, appCfg.Vault.Role)
	port := loginPort
	if port == 0 {
		port = appCfg.Vault.CallbackPort
	}
	if port == 0 {
		port = oidc.DefaultPort
	}

	flow := oidc.NewFlow(client, oidc.Options{
		Mount:  mount,
		Role:   role,
		Port:   port,
		Open:   open.Run,
		Prompt: os.Stderr,
		Logger: logger,
	})

	fmt.Fprintf(os.Stderr, "  Waiting for the OIDC login on auth/%s (Ctrl+C to cancel)...\n", mount)
	auth, err := flow.Login(ctx)
	if err != nil {
		return "", fmt.Errorf("oidc login (%s): %w", flow.State(), err)
	}
	if len(auth.Policies) > 0 {
		fmt.Fprintf(os.Stderr, "  Policies: %s\n", strings.Join(auth.Policies, ", "))
	}
	return auth.ClientToken, nil
}

func loginToken(ctx context.Context, client *vault.Client) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("--method token needs an interactive terminal; set VAULT_TOKEN instead")
	}
	fmt.Fprint(os.Stderr, "  Token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("no token entered")
	}

	client.Session().SetToken(token)
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	info, err := client.LookupSelf(ctx)
	if err != nil {
		return "", fmt.Errorf("verifying token: %w", err)
	}
	fmt.Fprintf(os.Stderr, "  Token for %s\n", firstNonEmpty(info.DisplayName, "(unnamed)"))
	return token, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
