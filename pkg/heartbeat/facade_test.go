package heartbeat

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/nanny/pkg/agent"
	"github.com/harun/nanny/pkg/agentsystem"
	"github.com/harun/nanny/pkg/bus"
	"github.com/harun/nanny/pkg/connector"
	"github.com/harun/nanny/pkg/gate"
	"github.com/harun/nanny/pkg/session"
	"github.com/harun/nanny/pkg/store"
)

func newTestSystem(t *testing.T, prompts *[]string, promptsMu *sync.Mutex) *agentsystem.System {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "sessions"))
	require.NoError(t, err)

	sys := agentsystem.New(agentsystem.Options{
		Store:      st,
		Bus:        bus.New(),
		Connectors: connector.NewRegistry(),
		Runtime: agent.RuntimeFunc(func(ctx context.Context, turn agent.Turn) (agent.TurnResult, error) {
			promptsMu.Lock()
			*prompts = append(*prompts, turn.Entry.Text)
			promptsMu.Unlock()
			return agent.TurnResult{ResponseText: "done"}, nil
		}),
		DefaultGrants: session.Grants{WorkingDir: dir},
	})

	ctx := context.Background()
	require.NoError(t, sys.Load(ctx))
	require.NoError(t, sys.EnableScheduling())
	require.NoError(t, sys.Start(ctx))
	t.Cleanup(sys.Stop)
	return sys
}

func TestFacadeDeliversBatchToHeartbeatSession(t *testing.T) {
	var prompts []string
	var promptsMu sync.Mutex
	sys := newTestSystem(t, &prompts, &promptsMu)

	facade, err := NewFacade(FacadeOptions{
		System:    sys,
		StorePath: filepath.Join(t.TempDir(), "heartbeats.json"),
		Interval:  time.Hour,
		GateHandler: gate.RequestHandlerFunc(func(ctx context.Context, label string, missing []connector.PermissionAccess) (bool, error) {
			return false, nil
		}),
	})
	require.NoError(t, err)
	defer facade.Stop()

	_, err = facade.Scheduler().CreateTask(CreateParams{Title: "Check Inbox", Prompt: "look at mail"})
	require.NoError(t, err)
	_, err = facade.Scheduler().CreateTask(CreateParams{Title: "Tidy Up", Prompt: "clean workspace"})
	require.NoError(t, err)

	report := facade.Scheduler().RunNow(nil)
	assert.Equal(t, 2, report.Ran)

	promptsMu.Lock()
	defer promptsMu.Unlock()
	require.Len(t, prompts, 1)
	assert.True(t, strings.HasPrefix(prompts[0], "[heartbeat]"))
	assert.Contains(t, prompts[0], "look at mail")
	assert.Contains(t, prompts[0], "clean workspace")

	// All batches share the one heartbeat session.
	sess := sys.SessionByKey("heartbeat")
	require.NotNil(t, sess)
}

func TestFacadeStartRunsNeverRunTasks(t *testing.T) {
	var prompts []string
	var promptsMu sync.Mutex
	sys := newTestSystem(t, &prompts, &promptsMu)

	storePath := filepath.Join(t.TempDir(), "heartbeats.json")
	facade, err := NewFacade(FacadeOptions{
		System:    sys,
		StorePath: storePath,
		Interval:  time.Hour,
	})
	require.NoError(t, err)

	_, err = facade.Scheduler().CreateTask(CreateParams{Title: "Fresh", Prompt: "first run"})
	require.NoError(t, err)

	facade.Start()
	defer facade.Stop()

	promptsMu.Lock()
	count := len(prompts)
	promptsMu.Unlock()
	assert.Equal(t, 1, count)

	task := facade.Scheduler().ListTasks()[0]
	assert.NotNil(t, task.LastRunAtMs)

	// A restart with recorded runs does not refire immediately.
	facade.Stop()
	restarted, err := NewFacade(FacadeOptions{System: sys, StorePath: storePath, Interval: time.Hour})
	require.NoError(t, err)
	restarted.Start()
	defer restarted.Stop()

	promptsMu.Lock()
	countAfter := len(prompts)
	promptsMu.Unlock()
	assert.Equal(t, count, countAfter)
}
