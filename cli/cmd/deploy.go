package cmd

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"shipyard/api/model"
	"shipyard/cli/style"
)

var deployDetach bool

var deployCmd = &cobra.Command{
	Use:   "deploy <service>",
	Short: "Build and roll out a service through the API server",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

func init() {
	deployCmd.Flags().BoolVarP(&deployDetach, "detach", "d", false, "start the run and return without following it")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	service := args[0]

	if deployDetach {
		rep, err := client.Deploy(service)
		if err != nil {
			return err
		}
		fmt.Printf("  %s %s\n", style.Key.Render("Run"), style.Accent.Render(rep.RunID))
		fmt.Printf("  %s %s\n", style.Key.Render("Saga"), style.Val.Render(rep.SagaID))
		return nil
	}

	return runTUI(newRunModel("SHIPYARD DEPLOY", service, connectAndDeploy(service)))
}

type wsMsg struct {
	Type    string          `json:"type"`
	Service string          `json:"service"`
	RunID   string          `json:"runId"`
	Payload json.RawMessage `json:"payload"`
}

// connectAndDeploy connects to the WebSocket first, triggers the deploy via HTTP,
// then starts a goroutine that reads WS events and sends them to a channel.
func connectAndDeploy(service string) tea.Cmd {
	return func() tea.Msg {
		// Connect WebSocket first so we don't miss events
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(service), client.Header())
		if err != nil {
			return streamError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		rep, err := client.Deploy(service)
		if err != nil {
			conn.Close()
			return streamError{err: err}
		}
		runID := rep.RunID

		ch := make(chan tea.Msg, 32)
		go func() {
			defer conn.Close()
			defer close(ch)

			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					ch <- streamError{err: fmt.Errorf("websocket read: %w", err)}
					return
				}
				msg, done := decodeRunEvent(message, service, runID)
				if msg == nil {
					continue
				}
				ch <- msg
				if done {
					return
				}
			}
		}()

		return runAccepted{runID: runID, ch: ch}
	}
}

// decodeRunEvent turns one hub message into a view update for runID. It
// returns nil for events about other runs; done is true for the final
// event of the run.
func decodeRunEvent(message []byte, service, runID string) (msg tea.Msg, done bool) {
	var event wsMsg
	if err := json.Unmarshal(message, &event); err != nil || event.Service != service || event.RunID != runID {
		return nil, false
	}

	switch event.Type {
	case "run.step", "run.progress":
		var p map[string]string
		if json.Unmarshal(event.Payload, &p) != nil {
			return nil, false
		}
		if event.Type == "run.step" {
			return stepUpdate{step: p["step"], status: p["status"]}, false
		}
		return progressUpdate{message: p["message"]}, false

	case "run.completed", "run.failed":
		var run model.Run
		if json.Unmarshal(event.Payload, &run) != nil {
			return nil, false
		}
		return runFinished{run: &run}, true
	}
	return nil, false
}
