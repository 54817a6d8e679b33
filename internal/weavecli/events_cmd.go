package weavecli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oremus-labs/aip-weave/internal/billing"
	"github.com/oremus-labs/aip-weave/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Fire billing events for a session",
}

type eventResponse struct {
	Sent    bool          `json:"sent"`
	Event   interface{}   `json:"event"`
	Billing billing.State `json:"billing"`
}

var (
	conversionID       string
	conversionType     string
	conversionTS       string
	conversionValue    int64
	conversionCurrency string
)

func fireCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := mustClient()
			if err != nil {
				return err
			}
			var resp eventResponse
			if err := client.PostJSON(cmd.Context(), sessionPath(args[0])+path, nil, &resp); err != nil {
				return err
			}
			return render(cmd, resp, func(out io.Writer) { printEvent(out, use, resp) })
		},
	}
}

var eventsConversionCmd = &cobra.Command{
	Use:   "conversion <session>",
	Short: "Send the CPA event, escalating through click and exposure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		payload := billing.ConversionPayload{
			ConversionID:   conversionID,
			ConversionType: conversionType,
			TS:             conversionTS,
			Currency:       conversionCurrency,
		}
		if payload.TS == "" {
			payload.TS = time.Now().UTC().Format(time.RFC3339)
		}
		if cmd.Flags().Changed("value-cents") {
			payload.OrderValueCents = &conversionValue
		}
		var resp eventResponse
		if err := client.PostJSON(cmd.Context(), sessionPath(args[0])+"/events/conversion", payload, &resp); err != nil {
			return err
		}
		return render(cmd, resp, func(out io.Writer) { printEvent(out, "conversion", resp) })
	},
}

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal <session>",
	Short: "List billing events journaled for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		path := sessionPath(args[0]) + "/journal"
		if journalLimit > 0 {
			path += "?limit=" + strconv.Itoa(journalLimit)
		}
		var resp struct {
			Events []store.JournalEntry `json:"events"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		return render(cmd, resp.Events, func(out io.Writer) {
			if len(resp.Events) == 0 {
				fmt.Fprintln(out, "No billing events recorded.")
				return
			}
			tw := newTable(out)
			fmt.Fprintf(tw, "KIND\tAUCTION\tSERVE TOKEN\tAMOUNT\tSENT\n")
			for _, e := range resp.Events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Kind, e.AuctionID, e.ServeToken, e.AmountCents, relativeTime(e.SentAt))
			}
			flushTable(tw)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent session lifecycle entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		path := "/v1/history"
		if journalLimit > 0 {
			path += "?limit=" + strconv.Itoa(journalLimit)
		}
		var resp struct {
			History []store.HistoryEntry `json:"history"`
		}
		if err := client.GetJSON(cmd.Context(), path, &resp); err != nil {
			return err
		}
		return render(cmd, resp.History, func(out io.Writer) {
			tw := newTable(out)
			fmt.Fprintf(tw, "EVENT\tSESSION\tCREATED\n")
			for _, h := range resp.History {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Event, h.SessionID, relativeTime(h.CreatedAt))
			}
			flushTable(tw)
		})
	},
}

func printEvent(out io.Writer, kind string, resp eventResponse) {
	if resp.Sent {
		fmt.Fprintf(out, "%s sent.\n", kind)
	} else {
		fmt.Fprintf(out, "%s already sent for this auction.\n", kind)
	}
	fmt.Fprintf(out, "CPX/CPC/CPA: %s/%s/%s\n",
		yesNo(resp.Billing.ExposureSent), yesNo(resp.Billing.ClickSent), yesNo(resp.Billing.ConversionSent))
}

func init() {
	eventsConversionCmd.Flags().StringVar(&conversionID, "id", "", "Conversion id")
	eventsConversionCmd.Flags().StringVar(&conversionType, "type", "", "Conversion type, e.g. purchase")
	eventsConversionCmd.Flags().StringVar(&conversionTS, "ts", "", "Conversion timestamp (defaults to now, RFC3339)")
	eventsConversionCmd.Flags().Int64Var(&conversionValue, "value-cents", 0, "Order value in minor units")
	eventsConversionCmd.Flags().StringVar(&conversionCurrency, "currency", "", "ISO currency code")

	journalCmd.Flags().IntVar(&journalLimit, "limit", 0, "Maximum number of events")
	historyCmd.Flags().IntVar(&journalLimit, "limit", 0, "Maximum number of entries")

	eventsCmd.AddCommand(fireCmd("exposure", "Send the CPX event", "/events/exposure"))
	eventsCmd.AddCommand(fireCmd("click", "Send the CPC event, escalating through exposure", "/events/click"))
	eventsCmd.AddCommand(eventsConversionCmd)
}
