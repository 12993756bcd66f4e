package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"diagramsync/internal/models"
	"diagramsync/internal/presence"
	"diagramsync/internal/protocol"
)

const helpText = `Commands:
  /title <text>                     rename the diagram
  /node <id> <type> <x> <y> [label] add or replace a node
  /edge <id> <source> <target>      add or replace an edge
  /rm <node-id>                     remove a node and its edges
  /cursor <x> <y>                   share a cursor position
  /typing on|off                    share a typing indicator
  /users                            list connected users
  /show                             print the working document
  /quit                             leave the diagram
Anything else is sent as a chat message.`

type session interface {
	SaveDiagram(ctx context.Context, patch models.Patch) (models.Diagram, error)
	SendChatMessage(text string) (protocol.ChatMessage, error)
	SendTyping(isTyping bool)
	UpdateCursor(position models.Position)
	GetConnectedUsers() []presence.Participant
	Document() (models.Diagram, bool)
	IsConnected() bool
}

type repl struct {
	session session
	out     io.Writer
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if !r.session.IsConnected() {
			fmt.Fprintln(r.out, "(offline, message not sent)")
		}
		_, err := r.session.SendChatMessage(line)
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/users":
		users := r.session.GetConnectedUsers()
		if len(users) == 0 {
			fmt.Fprintln(r.out, "Nobody else is here.")
		}
		for _, u := range users {
			fmt.Fprintf(r.out, "  %s (%s)\n", u.Nickname, u.SessionID)
		}
	case "/show":
		doc, ok := r.session.Document()
		if !ok {
			fmt.Fprintln(r.out, "Diagram is empty.")
			return false, nil
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, string(data))
	case "/title":
		title := strings.TrimSpace(rest)
		if title == "" {
			return false, fmt.Errorf("usage: /title <text>")
		}
		return false, r.save(ctx, models.Patch{Title: &title})
	case "/node":
		return false, r.addNode(ctx, args)
	case "/edge":
		return false, r.addEdge(ctx, args)
	case "/rm":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /rm <node-id>")
		}
		return false, r.removeNode(ctx, args[0])
	case "/cursor":
		pos, err := parsePosition(args)
		if err != nil {
			return false, fmt.Errorf("usage: /cursor <x> <y>: %w", err)
		}
		r.session.UpdateCursor(pos)
	case "/typing":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, fmt.Errorf("usage: /typing on|off")
		}
		r.session.SendTyping(args[0] == "on")
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

func (r *repl) addNode(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: /node <id> <type> <x> <y> [label]")
	}
	pos, err := parsePosition(args[2:4])
	if err != nil {
		return err
	}
	node := models.Node{ID: args[0], Type: args[1], Position: pos}
	if len(args) > 4 {
		data, err := json.Marshal(map[string]string{"label": strings.Join(args[4:], " ")})
		if err != nil {
			return err
		}
		node.Data = data
	}

	doc, _ := r.session.Document()
	nodes := slices.DeleteFunc(doc.Nodes, func(n models.Node) bool { return n.ID == node.ID })
	return r.save(ctx, models.Patch{Nodes: append(nodes, node)})
}

func (r *repl) addEdge(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: /edge <id> <source> <target>")
	}
	edge := models.Edge{ID: args[0], Source: args[1], Target: args[2]}

	doc, _ := r.session.Document()
	edges := slices.DeleteFunc(doc.Edges, func(e models.Edge) bool { return e.ID == edge.ID })
	return r.save(ctx, models.Patch{Edges: append(edges, edge)})
}

func (r *repl) removeNode(ctx context.Context, id string) error {
	doc, _ := r.session.Document()
	if !slices.ContainsFunc(doc.Nodes, func(n models.Node) bool { return n.ID == id }) {
		return fmt.Errorf("no node %q", id)
	}
	nodes := slices.DeleteFunc(doc.Nodes, func(n models.Node) bool { return n.ID == id })
	edges := slices.DeleteFunc(doc.Edges, func(e models.Edge) bool { return e.Source == id || e.Target == id })
	if nodes == nil {
		nodes = []models.Node{}
	}
	if edges == nil {
		edges = []models.Edge{}
	}
	return r.save(ctx, models.Patch{Nodes: nodes, Edges: edges})
}

func (r *repl) save(ctx context.Context, patch models.Patch) error {
	saved, err := r.session.SaveDiagram(ctx, patch)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Saved %q: %d nodes, %d edges\n", saved.Title, len(saved.Nodes), len(saved.Edges))
	return nil
}

func parsePosition(args []string) (models.Position, error) {
	if len(args) != 2 {
		return models.Position{}, fmt.Errorf("expected x and y")
	}
	x, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("invalid x: %w", err)
	}
	y, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("invalid y: %w", err)
	}
	return models.Position{X: x, Y: y}, nil
}
