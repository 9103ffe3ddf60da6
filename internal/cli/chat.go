package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	chatSession string
	chatTimeout int
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the agent and print the reply",
	Long: `Send one message to the running daemon's agent and wait for the reply.
The turn runs in the given session, or the local CLI session by default.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session key (default cli:direct)")
	chatCmd.Flags().IntVar(&chatTimeout, "timeout", 300, "seconds to wait for the reply")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	message := strings.TrimSpace(strings.Join(args, " "))
	if message == "" {
		return fmt.Errorf("message is required")
	}

	params := map[string]interface{}{"message": message}
	if chatSession != "" {
		params["sessionKey"] = chatSession
	}

	var result gateway.ChatResult
	if err := callGateway(cmd, "chat", params, &result, time.Duration(chatTimeout)*time.Second); err != nil {
		return err
	}
	if done, err := printStructured(cmd, result); done {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Reply)
	return nil
}
