package main

import (
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Seednode/quickdraw/client"
)

// newBotCmd returns the "bot" subcommand: a headless player that joins the
// session and fires a reaction a fixed delay after each round goes active.
// Handy for demos, and for filling out a roster when testing from one device.
func newBotCmd() *cobra.Command {
	var (
		name       string
		reactAfter time.Duration
		stateFile  string
		url        string
	)

	cmd := &cobra.Command{
		Use:           "bot",
		Short:         "Join a quickdraw server as a headless player.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []client.Option{}
			if stateFile != "" {
				opts = append(opts, client.WithStore(client.NewFileStore(stateFile)))
			}

			c := client.New(url, opts...)

			var mu sync.Mutex
			reacted := false

			c.OnUpdate(func() {
				state := c.State()

				// Claim an existing roster entry with our name, or join.
				if _, ok := c.SelectedPlayer(); !ok && c.Connected() {
					claimed := false
					for _, p := range state.Players {
						if p.Name == name {
							c.Select(p.ID)
							claimed = true
							break
						}
					}
					if _, pending := c.Pending(); !claimed && !pending && !state.GameActive && !state.CountdownRunning {
						_ = c.Join(name)
					}
				}

				mu.Lock()
				defer mu.Unlock()

				if !state.GameActive {
					reacted = false
					return
				}
				if reacted {
					return
				}
				reacted = true

				time.AfterFunc(reactAfter, func() {
					_ = c.React()
				})
			})

			return c.Run(cmd.Context())
		},
	}

	fs := cmd.Flags()

	fs.StringVar(&name, "name", "bot", "player name to join as (env: QUICKDRAW_BOT_NAME)")
	fs.DurationVar(&reactAfter, "react-after", 250*time.Millisecond, "delay before reacting once a round is active")
	fs.StringVar(&stateFile, "state-file", "", "path used to remember this bot's player id across runs")
	fs.StringVar(&url, "url", "ws://localhost:8080/ws", "websocket endpoint of the quickdraw server")

	return cmd
}
