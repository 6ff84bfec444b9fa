package arbor

import (
	"context"
	"testing"
)

func TestAgentDeliverStartsChannelLazily(t *testing.T) {
	deps, _, _, _ := newTestDeps(textProvider("welcome"))
	coalesce := CoalesceConfig{Enabled: false}
	deps.Runtime.Coalesce.Store(&coalesce)
	// Warm so delivery doesn't fire a background warmup pass mid-test.
	deps.Runtime.UpdateWarmupStatus(func(s *WarmupStatus) {
		s.State = WarmupWarm
		s.LastRefreshUnixMS = NowUnixMilli()
	})

	agent := NewAgent(deps)
	// The warmup, association and ready-task loops stay parked on their
	// startup delays for the test's lifetime; the bulletin and observe
	// loops start at once.
	agent.Start(context.Background())
	defer agent.Stop()

	if n := len(agent.ActiveChannels()); n != 0 {
		t.Fatalf("channels before delivery = %d", n)
	}

	if err := agent.Deliver(inbound("m1", "hello")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n := len(agent.ActiveChannels()); n != 1 {
		t.Fatalf("channels after delivery = %d", n)
	}

	// A second message reuses the running channel.
	if err := agent.Deliver(inbound("m2", "again")); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}
	if n := len(agent.ActiveChannels()); n != 1 {
		t.Fatalf("channels after second delivery = %d", n)
	}

	if !agent.CloseChannel("webchat:t1") {
		t.Error("CloseChannel should find the channel")
	}
}

func TestAgentDeliverBeforeStartFails(t *testing.T) {
	deps, _, _, _ := newTestDeps(textProvider("unused"))
	agent := NewAgent(deps)
	if err := agent.Deliver(inbound("m1", "hello")); err == nil {
		t.Fatal("delivery to a stopped agent should fail")
	}
}
