package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"channelhub/internal/bus"
	"channelhub/internal/client"
	"channelhub/internal/domain"
	"channelhub/internal/gateway"

	"github.com/spf13/cobra"
)

const connectHelp = `commands:
  /join <channel>     join and switch to a channel
  /leave [channel]    leave a channel (default: current)
  /share <text>       share text, prints its data id
  /get <id>           fetch shared data
  /state <json>       publish your bot state
  /bots               list registered participants
  /quit               disconnect
anything else is sent as a message to the current channel`

func connectCmd() *cobra.Command {
	var url, id, name, kind, channel string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join the hub as an interactive participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := loadConfig()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				url = fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WSPath)
			}
			if id == "" {
				host, _ := os.Hostname()
				id = "cli-" + host
			}
			return runConnect(url, gateway.RegisterPayload{ID: id, Name: name, Type: domain.ParticipantKind(kind)}, channel)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "websocket URL (default: from config)")
	cmd.Flags().StringVar(&id, "id", "", "participant id (default: cli-<hostname>)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&kind, "type", string(domain.KindHuman), "participant type: human, agent or system")
	cmd.Flags().StringVar(&channel, "channel", "", "channel to join on connect")
	return cmd
}

func runConnect(url string, identity gateway.RegisterPayload, channel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, client.Config{URL: url, Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.Register(ctx, identity)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Printf("connected to %s as %s (%s)\n", url, p.ID, p.Kind)

	if channel != "" {
		if _, err := c.Join(ctx, channel); err != nil {
			return fmt.Errorf("join %s: %w", channel, err)
		}
	}

	go printEvents(c)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println(connectHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return fmt.Errorf("connection closed by server")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(ctx, c, &channel, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runLine(ctx context.Context, c *client.Client, channel *string, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true, nil
	case "/join":
		if arg == "" {
			return false, fmt.Errorf("usage: /join <channel>")
		}
		if _, err := c.Join(ctx, arg); err != nil {
			return false, err
		}
		*channel = arg
	case "/leave":
		target := arg
		if target == "" {
			target = *channel
		}
		if err := c.Leave(ctx, target); err != nil {
			return false, err
		}
		if target == *channel {
			*channel = ""
		}
	case "/share":
		id, err := c.ShareData(ctx, *channel, arg, "")
		if err != nil {
			return false, err
		}
		fmt.Println("data id:", id)
	case "/get":
		res, err := c.GetData(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Printf("[%s %s] %s\n", res.Type, res.MimeType, res.Content)
	case "/state":
		var state any
		if err := json.Unmarshal([]byte(arg), &state); err != nil {
			return false, fmt.Errorf("state must be JSON: %w", err)
		}
		return false, c.UpdateState(ctx, state)
	case "/bots":
		bots, err := c.Bots(ctx)
		if err != nil {
			return false, err
		}
		for _, b := range bots {
			fmt.Printf("  %s (%s) %s\n", b.ID, b.Kind, string(b.State))
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			return false, fmt.Errorf("unknown command %s", cmd)
		}
		if *channel == "" {
			return false, fmt.Errorf("join a channel first")
		}
		_, err := c.Say(ctx, *channel, line)
		return false, err
	}
	return false, nil
}

func printEvents(c *client.Client) {
	for f := range c.Events() {
		switch f.Type {
		case bus.EventNewMessage:
			var m domain.Message
			if json.Unmarshal(f.Data, &m) == nil {
				fmt.Printf("[%s] %s: %s\n", m.ChannelID, m.SenderName, m.Content)
				continue
			}
		case bus.EventMessageUpdated:
			var m domain.Message
			if json.Unmarshal(f.Data, &m) == nil {
				fmt.Printf("[%s] request %s is now %s\n", m.ChannelID, m.RequestID, m.Status)
				continue
			}
		case gateway.TypeChannelState:
			var ch domain.Channel
			if json.Unmarshal(f.Data, &ch) == nil {
				fmt.Printf("[%s] %d participants, %d messages\n", ch.ID, len(ch.Participants), len(ch.Messages))
				for _, m := range ch.Messages {
					fmt.Printf("[%s] %s: %s\n", m.ChannelID, m.SenderName, m.Content)
				}
				continue
			}
		}
		fmt.Printf("* %s %s %s\n", f.Type, f.ChannelID, string(f.Data))
	}
}
