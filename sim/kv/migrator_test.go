package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrator_Drain_MovesQueuedBlocksConcurrently(t *testing.T) {
	// GIVEN 6 idle fast blocks with content and a migrator allowing 3 at once
	m, _ := newTestManager(t, Config{BlockSizeTokens: 1, FastBlocks: 6, MediumBlocks: 6})
	_, err := m.EnsureCapacity("a", 6, Fast)
	require.NoError(t, err)
	for pos := 0; pos < 6; pos++ {
		require.NoError(t, m.WritePosition("a", pos, []byte(fmt.Sprint(pos))))
	}
	mg := NewMigrator(m, 3)
	for i := 0; i < 6; i++ {
		mg.Schedule(Task{Owner: "a", Index: i, Target: Medium})
	}

	// WHEN drained
	moved, err := mg.Drain(context.Background())

	// THEN every block moved and content is intact
	require.NoError(t, err)
	assert.Equal(t, 6, moved)
	assert.Equal(t, 0, mg.Pending())
	for pos := 0; pos < 6; pos++ {
		got, err := m.ReadPosition("a", pos)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(pos), string(got))
	}
	require.NoError(t, m.CheckInvariants())
}

func TestMigrator_Drain_FailedTaskRequeued(t *testing.T) {
	// GIVEN a task whose target tier is full
	m, _ := newTestManager(t, Config{BlockSizeTokens: 1, FastBlocks: 1, MediumBlocks: 1})
	_, err := m.Allocate("filler", 1, Medium)
	require.NoError(t, err)
	_, err = m.Allocate("a", 1, Fast)
	require.NoError(t, err)
	mg := NewMigrator(m, 2)
	mg.Schedule(Task{Owner: "a", Index: 0, Target: Medium})

	// WHEN drained
	moved, err := mg.Drain(context.Background())

	// THEN nothing moved, the task waits for the next drain, and the source stays valid
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.Equal(t, 1, mg.Pending())
	assert.Equal(t, Fast, m.Table("a")[0].Tier)

	// WHEN room appears
	m.Release("filler")
	moved, err = mg.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, Medium, m.Table("a")[0].Tier)
}

func TestMigrator_Drain_GivesUpAfterMaxAttempts(t *testing.T) {
	m, _ := newTestManager(t, Config{BlockSizeTokens: 1, FastBlocks: 1, MediumBlocks: 1})
	_, err := m.Allocate("a", 1, Fast)
	require.NoError(t, err)
	m.SetActive("a")
	mg := NewMigrator(m, 1)
	mg.Schedule(Task{Owner: "a", Index: 0, Target: Medium, Attempts: maxMigrationAttempts - 1})

	_, err = mg.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, mg.Pending())
}

func TestMigrator_Drain_StaleTaskDropped(t *testing.T) {
	m, _ := newTestManager(t, Config{BlockSizeTokens: 1, FastBlocks: 1, MediumBlocks: 1})
	mg := NewMigrator(m, 1)
	mg.Schedule(Task{Owner: "gone", Index: 0, Target: Medium})

	moved, err := mg.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.Equal(t, 0, mg.Pending())
}

func TestMigrator_Drain_CancelledContextKeepsTasks(t *testing.T) {
	m, _ := newTestManager(t, Config{BlockSizeTokens: 1, FastBlocks: 2, MediumBlocks: 2})
	_, err := m.Allocate("a", 2, Fast)
	require.NoError(t, err)
	mg := NewMigrator(m, 1)
	mg.Schedule(Task{Owner: "a", Index: 0, Target: Medium}, Task{Owner: "a", Index: 1, Target: Medium})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = mg.Drain(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, mg.Pending())
}

func TestMigrator_Pending_CountsTasksOfARunningDrain(t *testing.T) {
	// GIVEN two queued tasks and a manager whose allocation lock is held
	m, _ := newTestManager(t, Config{BlockSizeTokens: 1, FastBlocks: 2, MediumBlocks: 2})
	_, err := m.Allocate("a", 2, Fast)
	require.NoError(t, err)
	mg := NewMigrator(m, 2)
	mg.Schedule(Task{Owner: "a", Index: 0, Target: Medium}, Task{Owner: "a", Index: 1, Target: Medium})
	m.mu.Lock()

	// WHEN a drain starts and blocks on the lock
	done := make(chan int, 1)
	go func() {
		moved, _ := mg.Drain(context.Background())
		done <- moved
	}()

	// THEN the taken tasks still count as pending until they finish
	assert.Never(t, func() bool { return mg.Pending() != 2 }, 50*time.Millisecond, time.Millisecond)
	m.mu.Unlock()
	assert.Equal(t, 2, <-done)
	assert.Equal(t, 0, mg.Pending())
}
