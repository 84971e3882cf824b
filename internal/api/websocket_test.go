package api

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

func TestHubChannelRouting(t *testing.T) {
	hub := NewHub(zap.NewNop())

	subscriber := NewClient("sub", hub, nil)
	bystander := NewClient("other", hub, nil)
	hub.Subscribe(subscriber, ChannelBands)
	hub.Subscribe(bystander, ChannelRuns)

	hub.BroadcastBandTransition(BandTransition{
		RunID:    "run-1",
		From:     types.BandSuppressed,
		To:       types.BandModerate,
		Latest:   types.Float(0.62),
		Occurred: time.Now(),
	})

	select {
	case raw := <-subscriber.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != MsgTypeBandTransition || msg.Channel != ChannelBands {
			t.Errorf("got %s on %s", msg.Type, msg.Channel)
		}
		var transition BandTransition
		if err := json.Unmarshal(msg.Data, &transition); err != nil {
			t.Fatal(err)
		}
		if transition.To != types.BandModerate {
			t.Errorf("to = %s", transition.To)
		}
	default:
		t.Fatal("subscriber received nothing")
	}

	select {
	case <-bystander.send:
		t.Fatal("message leaked to an unsubscribed channel")
	default:
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(zap.NewNop())

	client := NewClient("sub", hub, nil)
	hub.Subscribe(client, ChannelRuns)
	hub.Unsubscribe(client, ChannelRuns)

	hub.BroadcastRunComplete(map[string]string{"run_id": "run-2"})

	select {
	case <-client.send:
		t.Fatal("unsubscribed client still received a message")
	default:
	}
}
