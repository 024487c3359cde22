package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentinel-dpa/telegram-sentinel/internal/responder"
)

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Wazuh active response: ban the author of a malicious indicator",
	Long: `Respond reads a Wazuh active-response message from stdin, takes author_id,
chat_id and ioc from parameters.alert.data, bans the author through the
Telegram Bot API and posts a notice in the chat. Every attempt is appended
to the active-response log.

Install as an active-response command in ossec.conf, for example:
  <command>
    <name>telegram-ban</name>
    <executable>telegram-sentinel-respond.sh</executable>
    <timeout_allowed>no</timeout_allowed>
  </command>`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		for flag, key := range map[string]string{
			"bot-token": "responder.bot_token",
			"api-base":  "responder.api_base",
			"log-path":  "responder.log_path",
		} {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: runRespond,
}

var respondRecord bool

func init() {
	rootCmd.AddCommand(respondCmd)

	respondCmd.Flags().String("bot-token", "", "Telegram Bot API token (or BOT_TOKEN)")
	respondCmd.Flags().String("api-base", "https://api.telegram.org", "Bot API base URL")
	respondCmd.Flags().String("log-path", "/var/ossec/logs/active-responses.log", "Active-response log file")
	respondCmd.Flags().BoolVar(&respondRecord, "record", false, "Record the action in the SQLite archive")
}

func runRespond(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	rc := a.cfg.Responder
	opts := responder.Options{
		BotToken: rc.BotToken,
		APIBase:  rc.APIBase,
		LogPath:  rc.LogPath,
		Logger:   a.logger,
	}
	if respondRecord {
		st, err := a.store()
		if err != nil {
			return err
		}
		opts.Recorder = st
	}

	r, err := responder.New(opts)
	if err != nil {
		return err
	}
	return r.Run(cmd.Context(), cmd.InOrStdin())
}
