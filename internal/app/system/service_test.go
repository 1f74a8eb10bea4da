package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recording(name string, log *[]string, startErr error) Func {
	return Func{
		ServiceName: name,
		StartFunc: func(context.Context) error {
			if startErr != nil {
				return startErr
			}
			*log = append(*log, "start "+name)
			return nil
		},
		StopFunc: func(context.Context) error {
			*log = append(*log, "stop "+name)
			return nil
		},
	}
}

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(recording("realtime", &log, nil)))
	require.NoError(t, m.Register(recording("refresh", &log, nil)))
	assert.Equal(t, []string{"realtime", "refresh"}, m.Services())

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []string{"start realtime", "start refresh", "stop refresh", "stop realtime"}, log)
}

func TestManager_RegisterRejectsDuplicates(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(Func{ServiceName: "metrics"}))
	require.Error(t, m.Register(Func{ServiceName: "metrics"}))
	require.Error(t, m.Register(nil))
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(recording("metrics", &log, nil)))
	require.NoError(t, m.Register(recording("realtime", &log, errors.New("dial refused"))))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start realtime")
	assert.Equal(t, []string{"start metrics", "stop metrics"}, log)
}
