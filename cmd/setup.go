package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/vacount/internal/config"
	"github.com/theirongolddev/vacount/internal/tui"
	"github.com/theirongolddev/vacount/internal/tui/theme"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "First-time setup wizard",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := appCfg

	addr := cfg.Vault.Addr
	if addr == "" {
		addr = vaultSettings().Addr
	}
	namespace := cfg.Vault.Namespace
	token := ""
	authMount := cfg.Vault.AuthMount
	role := cfg.Vault.Role
	months := cfg.General.DefaultMonths
	themeName := cfg.Appearance.Theme
	if !theme.Valid(themeName) {
		themeName = theme.FlexokiDark.Name
	}

	tokenDesc := "Leave empty to use `vacount login`, VAULT_TOKEN or ~/.vault-token."
	if cfg.Vault.Token != "" {
		tokenDesc = "Current: " + maskToken(cfg.Vault.Token) + ". Leave empty to keep it."
	}

	themeOpts := make([]huh.Option[string], 0, len(theme.All))
	for _, t := range theme.All {
		themeOpts = append(themeOpts, huh.NewOption(t.Name, t.Name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Vault address").
				Placeholder("https://vault.example.com:8200").
				Value(&addr).
				Validate(tui.ValidateAddr),
			huh.NewInput().
				Title("Namespace").
				Description("Leave empty to report on the token's namespace.").
				Value(&namespace),
			huh.NewInput().
				Title("Token").
				Description(tokenDesc).
				EchoMode(huh.EchoModePassword).
				Value(&token),
		).Title("Welcome to vacount!"),
		huh.NewGroup(
			huh.NewInput().
				Title("OIDC auth mount").
				Placeholder("oidc").
				Value(&authMount),
			huh.NewInput().
				Title("OIDC role").
				Description("Leave empty for the mount's default role.").
				Value(&role),
		).Title("Login"),
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Default time range").
				Options(
					huh.NewOption("3 months", 3),
					huh.NewOption("6 months", 6),
					huh.NewOption("12 months (billing year)", 12),
					huh.NewOption("24 months", 24),
				).
				Value(&months),
			huh.NewSelect[string]().
				Title("Color theme").
				Options(themeOpts...).
				Value(&themeName),
		),
	).WithTheme(huh.ThemeCharm())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup canceled.")
			return nil
		}
		return err
	}

	cfg.Vault.Addr = strings.TrimSpace(addr)
	cfg.Vault.Namespace = strings.TrimSpace(namespace)
	if t := strings.TrimSpace(token); t != "" {
		cfg.Vault.Token = t
	}
	cfg.Vault.AuthMount = strings.TrimSpace(authMount)
	cfg.Vault.Role = strings.TrimSpace(role)
	cfg.General.DefaultMonths = months
	cfg.Appearance.Theme = themeName

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	appCfg = cfg

	fmt.Println()
	fmt.Printf("  Saved to %s\n", config.Path())
	fmt.Println()
	fmt.Println("  Try it out:")
	fmt.Println("    vacount            # summary")
	fmt.Println("    vacount tui        # dashboard")
	fmt.Println("    vacount status     # counting config and token")
	fmt.Println()
	return nil
}
