package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBacklogKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(StageTransition, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0, nil)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)
	assert.Equal(t, int64(5), h.LastID())

	var payload map[string]int
	require.NoError(t, json.Unmarshal(snap[2].Data, &payload))
	assert.Equal(t, 4, payload["n"])
}

func TestHubSnapshotSinceFiltersByIDAndFamily(t *testing.T) {
	h := NewHub(10)
	h.Publish(RunStarted, nil)
	h.Publish(RunFinished, nil)
	h.Publish(DeployStarted, nil)

	snap := h.SnapshotSince(1, nil)
	require.Len(t, snap, 2)
	assert.Equal(t, RunFinished, snap[0].Type)
	assert.Equal(t, "{}", string(h.SnapshotSince(0, nil)[0].Data))

	deploys := h.SnapshotSince(0, Filter{"deploy"})
	require.Len(t, deploys, 1)
	assert.Equal(t, DeployStarted, deploys[0].Type)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		filter Filter
		typ    string
		want   bool
	}{
		{nil, RunStarted, true},
		{Filter{"run"}, RunStarted, true},
		{Filter{"run"}, StageTransition, false},
		{Filter{"stage", "deploy"}, DeployRollback, true},
		{Filter{RunFinished}, RunFinished, true},
		{Filter{RunFinished}, RunStarted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.filter.Match(tt.typ), "%v matching %s", tt.filter, tt.typ)
	}

	assert.Equal(t, Filter{"run", "deploy"}, ParseFilter(" run, ,deploy "))
	assert.Nil(t, ParseFilter(""))
}

func TestHubSubscribeReceivesAndCancelCloses(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe(Filter{"deploy"})

	h.Publish(RunStarted, nil)
	h.Publish(DeployFinished, map[string]string{"target": "dev"})
	ev := <-ch
	assert.Equal(t, DeployFinished, ev.Type, "filtered subscriber skips run events")

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	// Publishing after cancel must not panic.
	h.Publish(DeployFinished, nil)
}

func TestHubCountsDropsForFullSubscribers(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe(nil)
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		h.Publish(StageTransition, nil)
	}
	assert.EqualValues(t, 3, h.Dropped())
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	assert.NotPanics(t, func() { h.Publish(RunStarted, nil) })
}
