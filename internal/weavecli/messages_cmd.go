package weavecli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oremus-labs/aip-weave/internal/reconcile"
)

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"msg"},
	Short:   "Replay streamed message activity",
}

var (
	messageQuery  string
	messageFormat string
	contentFile   string
	fallbackWait  time.Duration
)

func streamingCmd(use, short, path string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <session> <message>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := mustClient()
			if err != nil {
				return err
			}
			body := map[string]string{"query": messageQuery, "format": messageFormat}
			var state reconcile.State
			if err := client.PostJSON(cmd.Context(), messagePath(args[0], args[1])+path, body, &state); err != nil {
				return err
			}
			return render(cmd, state, func(out io.Writer) { printMessageState(out, state) })
		},
	}
	cmd.Flags().StringVar(&messageQuery, "query", "", "Query used for the fallback recommendations")
	cmd.Flags().StringVar(&messageFormat, "format", "", "Fallback layout: citation|product")
	return cmd
}

var messagesContentCmd = &cobra.Command{
	Use:   "content <session> <message>",
	Short: "Upload the rendered HTML of a message (use --file - for stdin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var data []byte
		if contentFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(contentFile)
		}
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		var state reconcile.State
		if err := client.PutContent(cmd.Context(), messagePath(args[0], args[1])+"/content", data, &state); err != nil {
			return err
		}
		return render(cmd, state, func(out io.Writer) { printMessageState(out, state) })
	},
}

var messagesClickCmd = &cobra.Command{
	Use:   "click <session> <message> <href>",
	Short: "Attribute a click on a message or fallback link",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var resp struct {
			Billed bool `json:"billed"`
		}
		if err := client.PostJSON(cmd.Context(), messagePath(args[0], args[1])+"/click", map[string]string{"href": args[2]}, &resp); err != nil {
			return err
		}
		return render(cmd, resp, func(out io.Writer) {
			if resp.Billed {
				fmt.Fprintln(out, "Click billed.")
				return
			}
			fmt.Fprintln(out, "Click not attributed to the ad.")
		})
	},
}

var messagesFallbackCmd = &cobra.Command{
	Use:   "fallback <session> <message>",
	Short: "Print the fallback block HTML of a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		path := messagePath(args[0], args[1]) + "/fallback"
		if fallbackWait > 0 {
			path += "?wait=" + url.QueryEscape(fallbackWait.String())
		}
		html, ok, err := client.GetHTML(cmd.Context(), path)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "No fallback due.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), html)
		return nil
	},
}

var visibilityCmd = &cobra.Command{
	Use:   "visibility <session> <element> <ratio>",
	Short: "Report the visible ratio of an element (message:<id> or fallback:<id>)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ratio, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid ratio %q: %w", args[2], err)
		}
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var resp struct {
			Triggered int `json:"triggered"`
		}
		body := map[string]interface{}{"element": args[1], "ratio": ratio}
		if err := client.PostJSON(cmd.Context(), sessionPath(args[0])+"/visibility", body, &resp); err != nil {
			return err
		}
		return render(cmd, resp, func(out io.Writer) {
			fmt.Fprintf(out, "%d exposure trigger(s).\n", resp.Triggered)
		})
	},
}

func messagePath(sid, mid string) string {
	return sessionPath(sid) + "/messages/" + url.PathEscape(mid)
}

func printMessageState(out io.Writer, s reconcile.State) {
	tw := newTable(out)
	fmt.Fprintf(tw, "MESSAGE\tPHASE\tLINK\tRENDER FALLBACK\tFALLBACK ID\n")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.MessageID, s.Phase, yesNo(s.HasLink), yesNo(s.RenderFallback), s.FallbackID)
	flushTable(tw)
}

func init() {
	messagesContentCmd.Flags().StringVarP(&contentFile, "file", "f", "-", "HTML file to upload, - for stdin")
	messagesFallbackCmd.Flags().DurationVar(&fallbackWait, "wait", 0, "How long the gateway waits for recommendations")

	messagesCmd.AddCommand(streamingCmd("start", "Mark a message as streaming", "/streaming/start"))
	messagesCmd.AddCommand(streamingCmd("complete", "Settle a message and re-evaluate its fallback", "/streaming/complete"))
	messagesCmd.AddCommand(messagesContentCmd)
	messagesCmd.AddCommand(messagesClickCmd)
	messagesCmd.AddCommand(messagesFallbackCmd)
}
