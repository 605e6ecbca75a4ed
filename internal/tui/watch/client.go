package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/fanout/internal/api"
	"github.com/mattjoyce/fanout/internal/client"
	"github.com/mattjoyce/fanout/internal/events"
)

type eventMsg events.Event

type identityMsg api.IdentityResponse

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// subscribeToEvents streams /events into ch, resuming after lastID. It
// returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(c *client.Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Events(context.Background(), lastID, func(ev events.Event) {
			ch <- ev
		})
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchIdentity queries /identity.
func fetchIdentity(c *client.Client) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := c.Identity(ctx)
	if err != nil {
		return errMsg(err)
	}
	return identityMsg(*id)
}
