package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
)

func TestProbeTracksState(t *testing.T) {
	mock := bridge.NewMock(nil)
	m := NewMonitor(mock, nil, config.DefaultConfig().Bridge, nil, nil)

	h := m.Probe(context.Background())
	assert.Equal(t, bridge.StatusConnected, h.Status)

	mock.SetConnected(false)
	h = m.Probe(context.Background())
	assert.Equal(t, bridge.StatusDisconnected, h.Status)

	st := m.GetStatus()
	assert.Equal(t, bridge.StatusDisconnected, st.Bridge.Status)
	assert.False(t, st.LastProbe.IsZero())
}

func TestStatsSnapshotWithoutProcessor(t *testing.T) {
	m := NewMonitor(bridge.NewMock(nil), nil, config.DefaultConfig().Bridge, nil, nil)

	s := m.StatsSnapshot()
	assert.False(t, s.StartedAt.IsZero())
	assert.Zero(t, s.Processed)
}
