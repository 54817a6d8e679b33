package weavecli

import (
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/theme"
	"github.com/oremus-labs/aip-weave/internal/weave"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Create, inspect and close gateway sessions",
}

var (
	sessionID       string
	sessionPlatform string
	sessionPageURL  string
	sessionQuery    string
	sessionLocale   string
	sessionGeo      string
	sessionTheme    string
)

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var resp struct {
			Sessions []string `json:"sessions"`
		}
		if err := client.GetJSON(cmd.Context(), "/v1/sessions", &resp); err != nil {
			return err
		}
		return render(cmd, resp.Sessions, func(out io.Writer) {
			if len(resp.Sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return
			}
			for _, id := range resp.Sessions {
				fmt.Fprintln(out, id)
			}
		})
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and run its platform request",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, err := mustClient()
		if err != nil {
			return err
		}
		platform := sessionPlatform
		if platform == "" {
			platform = ctx.Platform
		}
		body := map[string]interface{}{
			"session_id":  sessionID,
			"platform_id": platform,
			"page_url":    sessionPageURL,
			"query_text":  sessionQuery,
			"locale":      sessionLocale,
			"geo":         sessionGeo,
		}
		if sessionTheme != "" {
			overrides, err := theme.LoadFile(sessionTheme)
			if err != nil {
				return err
			}
			body["theme"] = overrides
		}
		var snap weave.Snapshot
		if err := client.PostJSON(cmd.Context(), "/v1/sessions", body, &snap); err != nil {
			return err
		}
		return render(cmd, snap, func(out io.Writer) { printSnapshot(out, snap) })
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session>",
	Short: "Show auction, billing and message state of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var snap weave.Snapshot
		if err := client.GetJSON(cmd.Context(), sessionPath(args[0]), &snap); err != nil {
			return err
		}
		return render(cmd, snap, func(out io.Writer) { printSnapshot(out, snap) })
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:     "delete <session>",
	Aliases: []string{"close"},
	Short:   "Close a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		if err := client.Delete(cmd.Context(), sessionPath(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %q closed.\n", args[0])
		return nil
	},
}

var auctionQuery string

var auctionCmd = &cobra.Command{
	Use:   "auction <session>",
	Short: "Re-run the platform request for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		var resp struct {
			Auction *billing.AuctionResult `json:"auction"`
			Billing billing.State          `json:"billing"`
		}
		req := billing.PlatformRequest{QueryText: auctionQuery}
		if err := client.PostJSON(cmd.Context(), sessionPath(args[0])+"/auction", req, &resp); err != nil {
			return err
		}
		return render(cmd, resp, func(out io.Writer) {
			if resp.Auction == nil {
				fmt.Fprintln(out, "No ad served.")
				return
			}
			printAuction(out, resp.Auction)
		})
	},
}

func sessionPath(id string) string {
	return "/v1/sessions/" + url.PathEscape(id)
}

func printSnapshot(out io.Writer, snap weave.Snapshot) {
	tw := newTable(out)
	fmt.Fprintf(tw, "SESSION\t%s\n", snap.SessionID)
	fmt.Fprintf(tw, "PLATFORM\t%s\n", snap.PlatformID)
	fmt.Fprintf(tw, "RESERVED\t%d\n", snap.Billing.ReservedAmountCents)
	fmt.Fprintf(tw, "CPX/CPC/CPA\t%s/%s/%s\n",
		yesNo(snap.Billing.Billing.ExposureSent),
		yesNo(snap.Billing.Billing.ClickSent),
		yesNo(snap.Billing.Billing.ConversionSent))
	flushTable(tw)
	if snap.Billing.Auction == nil {
		fmt.Fprintln(out, "No auction installed.")
	} else {
		printAuction(out, snap.Billing.Auction)
	}
	if len(snap.Messages) == 0 {
		return
	}
	tw = newTable(out)
	fmt.Fprintf(tw, "MESSAGE\tPHASE\tLINK\tFALLBACK\n")
	for _, m := range snap.Messages {
		fallback := "-"
		if m.RenderFallback {
			fallback = m.FallbackID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.MessageID, m.Phase, yesNo(m.HasLink), fallback)
	}
	flushTable(tw)
}

func printAuction(out io.Writer, a *billing.AuctionResult) {
	tw := newTable(out)
	fmt.Fprintf(tw, "AUCTION\tBRAND\tUNIT\tCPX\tURL\n")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", a.AuctionID, a.Winner.BrandAgentID, a.Winner.PreferredUnit, a.Winner.CPXPrice, a.Render.URL)
	flushTable(tw)
}

func init() {
	sessionsCreateCmd.Flags().StringVar(&sessionID, "id", "", "Session id (generated when empty)")
	sessionsCreateCmd.Flags().StringVar(&sessionPlatform, "platform", "", "Platform id (defaults to the context platform)")
	sessionsCreateCmd.Flags().StringVar(&sessionPageURL, "page-url", "", "Host page URL used to resolve relative links")
	sessionsCreateCmd.Flags().StringVar(&sessionQuery, "query", "", "Query text for the initial platform request")
	sessionsCreateCmd.Flags().StringVar(&sessionLocale, "locale", "", "Locale for the initial platform request")
	sessionsCreateCmd.Flags().StringVar(&sessionGeo, "geo", "", "Geo for the initial platform request")
	sessionsCreateCmd.Flags().StringVar(&sessionTheme, "theme-file", "", "YAML or JSON file with theme overrides")

	auctionCmd.Flags().StringVar(&auctionQuery, "query", "", "Query text")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}
