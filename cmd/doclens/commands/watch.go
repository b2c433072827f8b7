package commands

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/doclens-ai/doclens/internal/channel"
)

var watchCmd = &cobra.Command{
	Use:   "watch [pattern...]",
	Short: "Follow console change notifications",
	Long: `Subscribe to the console's notification channel and print every
matching event. Patterns use glob syntax against the event kind; with no
pattern every event matches. The connection rides out server drops and
reconnects on its own.

Examples:
  doclens watch
  doclens watch "job_*"
  doclens watch job_created status_changed`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	setupLogging(cfg)

	url, err := channel.URLFromBase(cfg.BaseURL)
	if err != nil {
		return err
	}

	client := channel.NewClient(channel.Options{
		URL:               url,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		ReconnectDelay:    cfg.ReconnectDelay.Std(),
	})

	patterns := args
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	kindColor := color.New(color.FgYellow)
	dimColor := color.New(color.FgHiBlack)
	for _, pattern := range patterns {
		client.On(pattern, func(kind string, data []byte) {
			stamp := dimColor.Sprint(time.Now().Format("15:04:05"))
			if len(data) == 0 {
				fmt.Printf("%s %s\n", stamp, kindColor.Sprint(kind))
				return
			}
			fmt.Printf("%s %s %s\n", stamp, kindColor.Sprint(kind), data)
		})
	}

	client.Connect()
	defer client.Close()
	fmt.Fprintln(os.Stderr, dimColor.Sprintf("Watching %s (Ctrl-C to stop)", url))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	return nil
}
