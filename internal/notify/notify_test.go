package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalNotifierWakes(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	wake, stop := n.Listen(ctx, FlowProcessing)
	defer stop()

	n.Notify(ctx, FlowProcessing)
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("no wake delivered")
	}
}

func TestLocalNotifierCoalesces(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	wake, stop := n.Listen(ctx, FlowProcessing)
	defer stop()

	for i := 0; i < 5; i++ {
		n.Notify(ctx, FlowProcessing)
	}
	<-wake
	select {
	case <-wake:
		t.Fatal("wakes must coalesce while unread")
	default:
	}
}

func TestLocalNotifierKindIsolation(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	wake, stop := n.Listen(ctx, MessageHandlers)
	defer stop()

	n.Notify(ctx, FlowProcessing)
	assert.Empty(t, wake)
}

func TestStopDetachesListener(t *testing.T) {
	n := NewLocalNotifier()
	ctx := context.Background()
	wake, stop := n.Listen(ctx, FlowProcessing)
	stop()
	n.Notify(ctx, FlowProcessing)
	assert.Empty(t, wake)
}
