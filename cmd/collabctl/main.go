package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"diagramsync/internal/collab"
	"diagramsync/internal/config"
	"diagramsync/internal/docstore"
	"diagramsync/internal/identity"
	"diagramsync/internal/models"
	"diagramsync/internal/presence"
	"diagramsync/internal/protocol"
	"diagramsync/internal/storage"
	"diagramsync/internal/transport"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	serverURL  string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// client holds what every command needs. The caller must defer close().
type client struct {
	cfg      *config.ClientConfig
	cache    *storage.BboltStorage
	identity *identity.Provider
	log      *slog.Logger
}

func newClient() (*client, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cache, err := storage.NewBboltStorage(cfg.IdentityDB)
	if err != nil {
		return nil, fmt.Errorf("opening identity cache: %w", err)
	}

	return &client{
		cfg:      cfg,
		cache:    cache,
		identity: identity.NewProvider(cache, logger),
		log:      logger,
	}, nil
}

func (c *client) close() {
	_ = c.cache.Close()
}

var rootCmd = &cobra.Command{
	Use:          "collabctl",
	Short:        "Collaborate on diagrams from the terminal",
	SilenceUsage: true,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.close()

		id, err := c.identity.GetOrCreate()
		if err != nil {
			return err
		}
		fmt.Printf("Session:  %s\n", id.SessionID)
		fmt.Printf("Nickname: %s\n", id.Nickname)
		if len(id.DiagramIDs) > 0 {
			fmt.Println("Diagrams:")
			for _, d := range id.DiagramIDs {
				fmt.Printf("  %s\n", d)
			}
		}
		return nil
	},
}

var nicknameCmd = &cobra.Command{
	Use:   "nickname",
	Short: "Pick a new random nickname",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.close()

		nickname, err := c.identity.RegenerateNickname()
		if err != nil {
			return err
		}
		fmt.Printf("Nickname: %s\n", nickname)
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <diagram-id>",
	Short: "Join a diagram and read commands from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return c.join(ctx, args[0])
	},
}

func (c *client) join(ctx context.Context, diagramID string) error {
	if _, err := c.identity.GetOrCreate(); err != nil {
		c.log.Warn("identity not saved, it will change on the next run", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := collab.NewSession(ctx, collab.Config{
		Transport: transport.Config{
			URL:                  c.cfg.ServerURL,
			MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
			InitialDelay:         c.cfg.InitialDelay,
			MaxDelay:             c.cfg.MaxDelay,
			HeartbeatInterval:    c.cfg.HeartbeatInterval,
			ConnectTimeout:       c.cfg.ConnectTimeout,
		},
		DedupWindow: c.cfg.DedupWindow,
	}, c.identity, docstore.New(c.cfg.ServerURL, nil), transport.WebsocketDialer{}, c.log)
	defer session.Close()

	doc, err := session.Initialize(ctx, diagramID, printCallbacks(os.Stdout))
	if err != nil {
		return err
	}
	if doc != nil {
		fmt.Printf("Opened %q: %d nodes, %d edges\n", doc.Title, len(doc.Nodes), len(doc.Edges))
	} else {
		fmt.Printf("Diagram %s does not exist yet; the first change creates it.\n", diagramID)
	}
	if err := c.identity.RememberDiagram(diagramID); err != nil {
		c.log.Warn("failed to remember diagram", "diagram_id", diagramID, "error", err)
	}
	fmt.Printf("You are %s. Type /help for commands.\n", c.identity.Nickname())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r := &repl{session: session, out: os.Stdout}
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := r.handle(gCtx, line)
				if err != nil {
					fmt.Fprintf(os.Stdout, "error: %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		session.Disconnect()
		return nil
	})

	return g.Wait()
}

func printCallbacks(out io.Writer) collab.Callbacks {
	return collab.Callbacks{
		OnDiagramUpdate: func(patch models.Patch, from string) {
			fmt.Fprintf(out, "* diagram changed by %s%s\n", from, describePatch(patch))
		},
		OnUserJoined: func(p presence.Participant) {
			fmt.Fprintf(out, "* %s joined\n", p.Nickname)
		},
		OnUserLeft: func(p presence.Participant) {
			fmt.Fprintf(out, "* %s left\n", p.Nickname)
		},
		OnChatMessage: func(m protocol.ChatMessage) {
			fmt.Fprintf(out, "<%s> %s\n", m.Nickname, m.Content)
		},
		OnTyping: func(_ string, user string, isTyping bool) {
			if isTyping {
				fmt.Fprintf(out, "* %s is typing\n", user)
			}
		},
		OnConnectionStatus: func(state transport.State) {
			fmt.Fprintf(out, "* connection %s\n", state)
		},
	}
}

func describePatch(patch models.Patch) string {
	var s string
	if patch.Title != nil {
		s += fmt.Sprintf(", title %q", *patch.Title)
	}
	if patch.Nodes != nil {
		s += fmt.Sprintf(", %d nodes", len(patch.Nodes))
	}
	if patch.Edges != nil {
		s += fmt.Sprintf(", %d edges", len(patch.Edges))
	}
	return s
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file overriding environment settings")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "relay server URL (overrides SYNC_SERVER_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(nicknameCmd)
	rootCmd.AddCommand(joinCmd)
}
