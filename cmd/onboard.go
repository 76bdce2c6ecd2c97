package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/giovanycoelho/respondergpt/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	port := strconv.Itoa(cfg.Gateway.Port)
	delay := strconv.Itoa(cfg.Delivery.ResponseDelaySeconds)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("System prompt").
				Description("How the assistant should behave when answering chats.").
				Value(&cfg.AI.SystemPrompt),
			huh.NewSelect[string]().
				Title("OpenAI model").
				Options(
					huh.NewOption("gpt-4o-mini (recommended)", "gpt-4o-mini"),
					huh.NewOption("gpt-4o", "gpt-4o"),
				).
				Value(&cfg.AI.Model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("WhatsApp bridge URL").
				Description("WebSocket endpoint of the bridge process.").
				Value(&cfg.Bridge.URL),
			huh.NewInput().
				Title("Admin port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&port),
			huh.NewInput().
				Title("Response delay (seconds)").
				Description("Messages arriving within this window are answered together.").
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("enter a number of seconds")
					}
					return nil
				}).
				Value(&delay),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Reject incoming calls?").
				Description("Callers get a polite text instead.").
				Value(&cfg.Calls.Reject),
			huh.NewConfirm().
				Title("Send voice replies?").
				Description("Also answer with a synthesized voice note (uses the OpenAI key).").
				Value(&cfg.Audio.Responses),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "onboarding cancelled:", err)
		os.Exit(1)
	}

	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.Delivery.ResponseDelaySeconds, _ = strconv.Atoi(delay)

	if err := config.Save(cfg, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "failed to write config:", err)
		os.Exit(1)
	}

	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Set your API key and start the responder:")
	fmt.Println()
	fmt.Printf("  export %s=sk-...\n", config.EnvOpenAIKey)
	fmt.Println("  respondergpt")
}
