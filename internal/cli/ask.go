package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/researchmail"
)

func newAskCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and stream the answer",
		Example: `  researchmail ask "Search for renewable energy policy and draft a summary email to ops@example.com"
  researchmail ask --agent email "Check the address ops@example.com"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			app, err := rt.newApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, app)

			_, events, err := app.Stream(ctx, researchmail.Request{Agent: rt.agent, Input: strings.Join(args, " ")})
			if err != nil {
				return err
			}

			r := &renderer{out: cmd.OutOrStdout(), info: cmd.ErrOrStderr(), verbose: rt.verbose}

			return r.render(events)
		},
	}
}

func newChatCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation on standard input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			app, err := rt.newApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, app)

			return chat(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), rt, func(req researchmail.Request) (string, error) {
				id, events, err := app.Stream(ctx, req)
				if err != nil {
					return "", err
				}

				r := &renderer{out: cmd.OutOrStdout(), info: cmd.ErrOrStderr(), verbose: rt.verbose}

				return id, r.render(events)
			})
		},
	}
}

// chat reads one message per line. Run failures are reported and the
// conversation goes on; "/new" starts a new conversation and "/exit" ends.
func chat(in io.Reader, out, info io.Writer, rt *runtime, send func(researchmail.Request) (string, error)) error {
	sc := bufio.NewScanner(in)
	conversationID := ""

	fmt.Fprint(out, "> ")

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())

		switch line {
		case "":
		case "/exit", "/quit":
			return nil
		case "/new":
			conversationID = ""
			fmt.Fprintln(info, "started a new conversation")
		default:
			req := researchmail.Request{Input: line, ConversationID: conversationID}
			if conversationID == "" {
				req.Agent = rt.agent
			}

			id, err := send(req)
			if id != "" {
				conversationID = id
			}

			if err != nil {
				fmt.Fprintln(info, "error:", err)
			}
		}

		fmt.Fprint(out, "> ")
	}

	return sc.Err()
}
