package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/config"
)

func setupCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config without asking")
	return cmd
}

func runSetup(force bool) error {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !force {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("setup cancelled")
			return nil
		}
	}

	var (
		adapter    = "anthropic"
		model      string
		apiKey     string
		adminToken string
		port       = "18606"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Provider").
				Description("The primary LLM provider for new sessions.").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenAI-compatible endpoint", "openai-compatible"),
				).
				Value(&adapter),
			huh.NewInput().
				Title("Model").
				Description("e.g. claude-sonnet-4-5 or gpt-4o").
				Validate(notEmpty("model")).
				Value(&model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the config file; DROST_AUTH_PRIMARY_API_KEY overrides it.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Control port").
				Validate(validPort).
				Value(&port),
			huh.NewInput().
				Title("Admin token").
				Description("Leave empty to allow token-less loopback access only.").
				EchoMode(huh.EchoModePassword).
				Value(&adminToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()

	providerID := adapter + "-primary"
	adapterID := adapter
	var baseURL string
	if adapter == "openai-compatible" {
		adapterID = "openai"
		providerID = "primary"
		prompt := huh.NewInput().
			Title("Base URL").
			Description("The OpenAI-compatible endpoint, e.g. http://localhost:11434/v1").
			Validate(notEmpty("base URL")).
			Value(&baseURL)
		if err := prompt.Run(); err != nil {
			return err
		}
	}

	cfg.Providers.Profiles = []config.ProviderProfile{{
		ID:            providerID,
		AdapterID:     adapterID,
		Model:         model,
		BaseURL:       baseURL,
		AuthProfileID: "primary",
	}}
	cfg.Providers.Auth = map[string]config.AuthProfile{
		"primary": {APIKey: strings.TrimSpace(apiKey)},
	}
	cfg.Providers.Route = config.RouteConfig{Primary: providerID}
	cfg.Control.Port, _ = strconv.Atoi(port)
	cfg.Control.AdminToken = strings.TrimSpace(adminToken)

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nWrote %s\n\n", cfgPath)
	fmt.Println("Next steps:")
	fmt.Println("  drost gateway        start the gateway")
	fmt.Println("  drost chat           talk to it")
	fmt.Println("  drost doctor         verify the environment")
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validPort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}
