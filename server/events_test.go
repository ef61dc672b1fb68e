package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msconstructor/data-sync/proto"
)

func TestEventsManagerNotStarted(t *testing.T) {
	m := newEventsManager(slog.Default())

	done := make(chan struct{})
	go func() {
		m.notifyChange("pubkey", &proto.Notification{Table: "materials"})
		m.unsubscribe("pubkey", 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notify blocked before start")
	}
	require.Nil(t, m.subscribe("pubkey"))
}

func TestEventsManagerDelivers(t *testing.T) {
	m := newEventsManager(slog.Default())
	quitChan := make(chan struct{})
	m.start(quitChan)
	m.start(quitChan)

	sub := m.subscribe("pubkey")
	require.NotNil(t, sub)
	m.notifyChange("other", &proto.Notification{Table: "projects"})
	m.notifyChange("pubkey", &proto.Notification{Table: "materials"})

	select {
	case n := <-sub.eventsChan:
		require.Equal(t, "materials", n.Table)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}

	close(quitChan)
	<-m.done
	_, ok := <-sub.eventsChan
	require.False(t, ok)
	require.Nil(t, m.subscribe("pubkey"))
}
