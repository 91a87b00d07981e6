package power

import (
	"testing"
	"time"

	"oakci/internal/config"
	"oakci/internal/hookstate"
	"oakci/internal/store"
	"oakci/internal/types"
)

func testConfig() config.PowerConfig {
	return config.PowerConfig{
		IdleAfterMinutes:      10,
		SleepAfterMinutes:     60,
		DeepSleepAfterMinutes: 240,
	}
}

func controllerAt(t *testing.T, idleFor time.Duration) *Controller {
	t.Helper()
	cache := hookstate.NewCache()
	now := time.Now()
	cache.Touch("s1", now.Add(-idleFor))

	c := NewController(testConfig(), nil, cache)
	c.startTime = now.Add(-24 * time.Hour) // old enough to never win
	c.now = func() time.Time { return now }
	return c
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		idleFor time.Duration
		want    State
	}{
		{time.Minute, Active},
		{9 * time.Minute, Active},
		{10 * time.Minute, Idle},
		{59 * time.Minute, Idle},
		{60 * time.Minute, Sleep},
		{239 * time.Minute, Sleep},
		{240 * time.Minute, DeepSleep},
		{24 * time.Hour, DeepSleep},
	}
	for _, tc := range cases {
		c := controllerAt(t, tc.idleFor)
		if got := c.CurrentState(); got != tc.want {
			t.Errorf("idle %s: state = %s, want %s", tc.idleFor, got, tc.want)
		}
	}
}

func TestStartTimeFallback(t *testing.T) {
	// No cache, no store: start time is the only signal.
	c := NewController(testConfig(), nil, nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.startTime = now.Add(-time.Minute)
	if got := c.CurrentState(); got != Active {
		t.Errorf("Fresh start should be ACTIVE, got %s", got)
	}
	c.startTime = now.Add(-2 * time.Hour)
	if got := c.CurrentState(); got != Sleep {
		t.Errorf("Old start with no activity should be SLEEP, got %s", got)
	}
}

func TestPulseKeepsActive(t *testing.T) {
	c := controllerAt(t, 3*time.Hour)
	if got := c.CurrentState(); got != Sleep {
		t.Fatalf("Setup should be SLEEP, got %s", got)
	}
	c.lastPulse = c.now()
	if got := c.CurrentState(); got != Active {
		t.Errorf("Pulse should force ACTIVE, got %s", got)
	}
}

func TestStoreActivityWins(t *testing.T) {
	st, err := store.Open(":memory:", "machine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	sess := &types.Session{ID: "s1", Agent: "claude", SourceMachineID: "machine-test", Status: types.SessionActive}
	if err := st.UpsertSession(sess); err != nil {
		t.Fatal(err)
	}
	batch, err := st.BeginBatch("s1", "prompt", types.SourceUser)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.AppendActivity(&types.Activity{
		SessionID:     "s1",
		PromptBatchID: batch.ID,
		ToolName:      "Read",
		ToolUseID:     "tu-1",
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	c := NewController(testConfig(), st, hookstate.NewCache())
	c.startTime = time.Now().Add(-24 * time.Hour)
	if got := c.CurrentState(); got != Active {
		t.Errorf("Recent store activity should be ACTIVE, got %s", got)
	}
}

func TestStageGating(t *testing.T) {
	cases := []struct {
		state State
		stage Stage
		want  bool
	}{
		{Active, StageExtract, true},
		{Active, StageEmbed, true},
		{Idle, StageRecovery, true},
		{Idle, StageExtract, false},
		{Idle, StageEmbed, false},
		{Sleep, StageHeartbeat, true},
		{Sleep, StageRecovery, false},
		{DeepSleep, StageHeartbeat, true},
		{DeepSleep, StageBackup, false},
	}
	for _, tc := range cases {
		if got := AllowsIn(tc.state, tc.stage); got != tc.want {
			t.Errorf("AllowsIn(%s, %s) = %v, want %v", tc.state, tc.stage, got, tc.want)
		}
	}
}

func TestSchedulerDispatchesDueTasks(t *testing.T) {
	st, err := store.Open(":memory:", "machine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var ran []string
	s := NewScheduler(st, func(task *types.ScheduledTask) { ran = append(ran, task.Name) })

	past := time.Now().Add(-time.Minute)
	due := &types.ScheduledTask{Name: "nightly-report", CronExpr: "0 3 * * *", Enabled: true, NextRunAt: &past}
	if err := s.Schedule(due); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := s.Schedule(&types.ScheduledTask{Name: "later", CronExpr: "@hourly", Enabled: true, NextRunAt: &future}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	disabled := time.Now().Add(-time.Hour)
	if err := s.Schedule(&types.ScheduledTask{Name: "off", CronExpr: "@daily", Enabled: false, NextRunAt: &disabled}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	n := s.Tick(time.Now())
	if n != 1 || len(ran) != 1 || ran[0] != "nightly-report" {
		t.Fatalf("Expected only the due enabled task, got n=%d ran=%v", n, ran)
	}

	// The dispatched task advances past now and does not re-fire.
	if n := s.Tick(time.Now()); n != 0 {
		t.Errorf("Task re-fired without reaching next_run_at, n=%d", n)
	}
	tasks, err := st.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.Name == "nightly-report" {
			if task.LastRunAt == nil || task.NextRunAt == nil || !task.NextRunAt.After(time.Now()) {
				t.Errorf("Schedule not advanced: %+v", task)
			}
		}
	}
}

func TestValidateExpr(t *testing.T) {
	if err := ValidateExpr("*/5 * * * *"); err != nil {
		t.Errorf("Valid expression rejected: %v", err)
	}
	if err := ValidateExpr("@hourly"); err != nil {
		t.Errorf("Descriptor rejected: %v", err)
	}
	if err := ValidateExpr("not a cron"); err == nil {
		t.Error("Invalid expression accepted")
	}
}
