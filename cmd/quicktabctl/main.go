package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabworks/quicktabs/internal/channel"
	"github.com/tabworks/quicktabs/internal/quicktab"
)

var (
	brokerURL string
	timeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "quicktabctl",
		Short: "Inspect and control Quick Tabs through the broker",
	}
	root.PersistentFlags().StringVar(&brokerURL, "broker", envOr("QUICKTABCTL_BROKER", "http://127.0.0.1:8787"), "broker base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newListCmd(),
		newCreateCmd(),
		newCloseCmd(),
		newMinimizeCmd(),
		newRestoreCmd(),
		newTransferCmd(false),
		newTransferCmd(true),
		newPortsCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all Quick Tabs in the shared envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			var env quicktab.Envelope
			if err := getJSON("/v1/tabs", &env); err != nil {
				return err
			}
			if len(env.Tabs) == 0 {
				fmt.Println("no quick tabs")
				return nil
			}
			for _, tab := range env.Tabs {
				state := string(quicktab.StateVisible)
				if tab.Minimized {
					state = string(quicktab.StateMinimized)
				}
				fmt.Printf("%s\t%s\ttab=%d container=%s\t(%d,%d %dx%d)\t%s\n",
					tab.ID, state, tab.OriginTabID, tab.OriginContainerID,
					tab.Position.Left, tab.Position.Top, tab.Size.Width, tab.Size.Height, tab.URL)
			}
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	var (
		url         string
		originTab   int
		left, top   int
		width, high int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a Quick Tab owned by the given origin tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := channel.Message{
				Action:       channel.ActionCreate,
				URL:          url,
				BrowserTabID: originTab,
			}
			if cmd.Flags().Changed("left") || cmd.Flags().Changed("top") {
				msg.Position = &quicktab.Position{Left: left, Top: top}
			}
			if cmd.Flags().Changed("width") || cmd.Flags().Changed("height") {
				msg.Size = &quicktab.Size{Width: width, Height: high}
			}
			return postCommand(msg)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to load")
	cmd.Flags().IntVar(&originTab, "origin-tab", 0, "owning browser tab id")
	cmd.Flags().IntVar(&left, "left", 100, "window left")
	cmd.Flags().IntVar(&top, "top", 100, "window top")
	cmd.Flags().IntVar(&width, "width", 400, "window width")
	cmd.Flags().IntVar(&high, "height", 300, "window height")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("origin-tab")
	return cmd
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <tab-id>",
		Short: "Close a Quick Tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(channel.Message{Action: channel.ActionClose, TabID: args[0]})
		},
	}
}

func newMinimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "minimize <tab-id>",
		Short: "Minimize a Quick Tab, capturing its restore snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(channel.Message{Action: channel.ActionMinimize, TabID: args[0]})
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <tab-id>",
		Short: "Restore a minimized Quick Tab at its snapshot coordinates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postCommand(channel.Message{Action: channel.ActionRestore, TabID: args[0]})
		},
	}
}

func newTransferCmd(duplicate bool) *cobra.Command {
	use, short, path := "transfer <tab-id>", "Move a Quick Tab to another origin tab", "/v1/transfer"
	if duplicate {
		use, short, path = "duplicate <tab-id>", "Copy a Quick Tab to another origin tab", "/v1/duplicate"
	}
	var destination int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"tabId":            args[0],
				"destinationTabId": destination,
			}
			var out map[string]any
			if err := postJSON(path, body, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&destination, "to", 0, "destination browser tab id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List connected port registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON("/v1/ports", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func postCommand(msg channel.Message) error {
	var out map[string]any
	if err := postJSON("/v1/tabs", msg, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func getJSON(path string, dst any) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(brokerURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dst)
}

func postJSON(path string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(brokerURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dst)
}

func decodeResponse(resp *http.Response, dst any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, string(data))
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
