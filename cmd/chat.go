package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/control"
	"github.com/drosthq/drost/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		sessionID  string
		providerID string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with a running gateway over the control websocket",
		Long: "With a message argument, sends one turn and prints the response. " +
			"Without one, opens an interactive session. Streamed deltas print as " +
			"they arrive; tool calls show on stderr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(true)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := newControlClient(cfg, addr)
			return runChat(client, sessionID, providerID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (default: a fresh cli-XXXXXXXX)")
	cmd.Flags().StringVarP(&providerID, "provider", "p", "", "provider profile to pin for this turn")
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("DROST_CONTROL_ADDR"), "control address (host:port)")
	return cmd
}

func runChat(client *controlClient, sessionID, providerID, message string) error {
	conn, _, err := websocket.DefaultDialer.Dial(client.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect to gateway at %s: %w (is it running?)", client.base, err)
	}
	defer conn.Close()

	var hello control.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != protocol.FrameHello {
		return fmt.Errorf("unexpected first frame %q", hello.Type)
	}

	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()[:8]
	}

	if message != "" {
		return sendTurn(conn, sessionID, providerID, message)
	}

	fmt.Fprintf(os.Stderr, "drost %s (gateway %s)\n", hello.Version, hello.State)
	fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	fmt.Fprintf(os.Stderr, "type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if input == "/new" {
			sessionID = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "session: %s\n\n", sessionID)
			continue
		}
		if err := sendTurn(conn, sessionID, providerID, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		fmt.Println()
	}
	return scanner.Err()
}

// sendTurn submits one turn and reads frames until its terminal frame. The
// gateway broadcasts every runtime event to every websocket client, so the
// renderer filters to this turn's session.
func sendTurn(conn *websocket.Conn, sessionID, providerID, input string) error {
	err := conn.WriteJSON(control.Frame{
		Type:       protocol.FrameChatSend,
		SessionID:  sessionID,
		Input:      input,
		ProviderID: providerID,
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	streamed := false
	for {
		var frame control.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch frame.Type {
		case protocol.FrameEvent:
			if renderEvent(frame.Event, sessionID) {
				streamed = true
			}
		case protocol.FrameChatDone:
			if frame.SessionID != sessionID {
				continue
			}
			if streamed {
				fmt.Println()
			} else {
				fmt.Println(frame.Response)
			}
			if frame.ToolCalls > 0 {
				fmt.Fprintf(os.Stderr, "  (%d tool calls, %d provider turns)\n", frame.ToolCalls, frame.Turns)
			}
			return nil
		case protocol.FrameError:
			if frame.SessionID != "" && frame.SessionID != sessionID {
				continue
			}
			return fmt.Errorf("%s: %s", frame.Code, frame.Message)
		}
	}
}

// renderEvent prints one runtime event and reports whether it wrote response
// text to stdout.
func renderEvent(raw json.RawMessage, sessionID string) bool {
	var ev bus.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return false
	}
	if ev.SessionID != sessionID {
		return false
	}
	payload, _ := ev.Payload.(map[string]interface{})

	switch ev.Name {
	case protocol.EventResponseDelta:
		if delta, ok := payload["delta"].(string); ok && delta != "" {
			fmt.Print(delta)
			return true
		}
	case protocol.EventToolCallStarted:
		if name, ok := payload["tool"].(string); ok {
			fmt.Fprintf(os.Stderr, "  [tool] %s\n", name)
		}
	case protocol.EventToolPolicyDenied:
		fmt.Fprintf(os.Stderr, "  [tool] denied: %v\n", payload["message"])
	case protocol.EventProviderSwitched:
		fmt.Fprintf(os.Stderr, "  [provider] switched to %v\n", payload["to"])
	case protocol.EventProviderError:
		fmt.Fprintf(os.Stderr, "  [provider] %v\n", payload["message"])
	}
	return false
}
