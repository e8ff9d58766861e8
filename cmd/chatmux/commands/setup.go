package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tmarek/chatmux/pkg/chatmux/engine"
)

// newSetupCmd creates the `chatmux setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for provider, API key, and models. API keys are stored in the OS
keyring when available, never in plaintext config.

Examples:
  chatmux setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := engine.DefaultConfig()

	var (
		name         = cfg.Name
		providerID   string
		providerKind = string(engine.KindOpenAI)
		baseURL      string
		apiKey       string
		textModel    string
		visionModel  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&name),
			huh.NewSelect[string]().
				Title("Provider type").
				Options(
					huh.NewOption("OpenAI-compatible", string(engine.KindOpenAI)),
					huh.NewOption("Anthropic", string(engine.KindAnthropic)),
				).
				Value(&providerKind),
			huh.NewInput().
				Title("Provider id").
				Description("Short identifier, e.g. openai or anthropic").
				Value(&providerID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("provider id is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Base URL").
				Description("Leave empty for the provider default").
				Value(&baseURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Text model").
				Description("e.g. gpt-4o-mini or claude-sonnet-4").
				Value(&textModel).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("a text model is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Vision model (optional)").
				Value(&visionModel),
		),
	)

	// The huh form needs a raw-mode terminal. Dumb terminals and piped
	// stdin still work with plain line prompts, with the API key read
	// without echo where possible.
	usePlainPrompts := !engine.IsTerminal()
	if !usePlainPrompts {
		if err := form.Run(); err != nil {
			fmt.Printf("Interactive form unavailable (%v); using plain prompts.\n", err)
			usePlainPrompts = true
		}
	}
	if usePlainPrompts {
		if err := plainSetup(&name, &providerKind, &providerID, &baseURL, &apiKey, &textModel, &visionModel); err != nil {
			return err
		}
	}

	cfg.Name = name
	models := map[string]string{"text": strings.TrimSpace(textModel)}
	if v := strings.TrimSpace(visionModel); v != "" {
		models["vision"] = v
	}
	cfg.Providers = []engine.ProviderConfig{{
		ID:      strings.TrimSpace(providerID),
		Kind:    providerKind,
		BaseURL: strings.TrimSpace(baseURL),
		Models:  models,
	}}

	// Store the key in the OS keyring when possible; reference it from the
	// config via the env var otherwise.
	envVar := strings.ToUpper(strings.ReplaceAll(cfg.Providers[0].ID, "-", "_")) + "_API_KEY"
	if apiKey != "" {
		if engine.KeyringAvailable() {
			if err := engine.StoreKeyring(cfg.Providers[0].ID, apiKey); err != nil {
				fmt.Printf("   [!] Keyring store failed (%v); set %s instead.\n", err, envVar)
			} else {
				fmt.Println("   API key stored in the OS keyring.")
			}
		} else {
			fmt.Printf("   [!] No OS keyring available. Set %s in your environment or .env file.\n", envVar)
		}
	}
	cfg.Providers[0].APIKey = "${" + envVar + "}"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	const path = "config.yaml"
	if _, err := os.Stat(path); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title("config.yaml already exists. Overwrite?").
			Value(&overwrite)
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Println("Setup aborted, existing config kept.")
			return nil
		}
		// Keep a backup of the previous config.
		if existing, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", existing, 0o600)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Start chatting with: chatmux chat")
	return nil
}

// plainSetup collects the wizard fields with line prompts. The API key goes
// through engine.ReadPassword, which suppresses echo on a terminal and reads
// stdin directly otherwise.
func plainSetup(name, kind, id, baseURL, apiKey, textModel, visionModel *string) error {
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Printf("%s [%s]: ", label, def)
		} else {
			fmt.Printf("%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return def, nil
		}
		return line, nil
	}

	var err error
	if *name, err = prompt("Assistant name", *name); err != nil {
		return err
	}
	if *kind, err = prompt("Provider type (openai/anthropic)", *kind); err != nil {
		return err
	}
	if *kind != string(engine.KindOpenAI) && *kind != string(engine.KindAnthropic) {
		return fmt.Errorf("unknown provider type %q", *kind)
	}
	if *id, err = prompt("Provider id", *kind); err != nil {
		return err
	}
	if *baseURL, err = prompt("Base URL (empty for provider default)", ""); err != nil {
		return err
	}
	if *apiKey, err = engine.ReadPassword("API key: "); err != nil {
		return err
	}
	if *textModel, err = prompt("Text model", ""); err != nil {
		return err
	}
	if strings.TrimSpace(*textModel) == "" {
		return fmt.Errorf("a text model is required")
	}
	*visionModel, err = prompt("Vision model (optional)", "")
	return err
}
