package cmd

import (
	"errors"
	"fmt"

	"github.com/dowmeister/digitalocean-ai-agent-discord-bot/agentbot"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the bot's application commands with discord",
	Long: "Overwrites the application's commands with /ask and 'Ask AI'. " +
		"Commands are also registered every time the bot starts.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Discord.Token == "" || cfg.Discord.ApplicationID == "" {
			return errors.New("discord token and application ID are required")
		}
		bot, err := agentbot.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		created, err := bot.RegisterCommands()
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, c := range created {
			fmt.Fprintf(out, "registered command %q (id: %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
