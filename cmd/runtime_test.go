package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/cron"
)

func awaitInbound(t *testing.T, msgBus *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	return msg
}

func TestFireCronJobSessionTargets(t *testing.T) {
	rt := &runtime{msgBus: bus.NewMessageBus()}

	mainJob := cron.Job{
		ID:            "job-1",
		SessionTarget: cron.TargetMain,
		Payload:       cron.Payload{Kind: "agentTurn", Message: "check the news"},
	}
	if err := rt.fireCronJob(context.Background(), mainJob); err != nil {
		t.Fatal(err)
	}
	got := awaitInbound(t, rt.msgBus)
	if got.Channel != "cron" || got.ChatID != "main" {
		t.Errorf("main-target message = channel %q chat %q", got.Channel, got.ChatID)
	}
	if got.Content != "check the news" {
		t.Errorf("content = %q", got.Content)
	}

	isoJob := cron.Job{
		ID:            "job-2",
		SessionTarget: cron.TargetIsolated,
		Payload:       cron.Payload{Kind: "agentTurn", Message: "one-off sweep"},
	}
	if err := rt.fireCronJob(context.Background(), isoJob); err != nil {
		t.Fatal(err)
	}
	iso := awaitInbound(t, rt.msgBus)
	if iso.ChatID != "job-2" {
		t.Errorf("isolated-target chat = %q, want per-job id", iso.ChatID)
	}
	if iso.ChatID == got.ChatID {
		t.Error("main and isolated jobs landed in the same conversation")
	}
}

func TestFireCronJobPayloadOverrides(t *testing.T) {
	rt := &runtime{msgBus: bus.NewMessageBus()}

	job := cron.Job{
		ID:            "job-3",
		SessionTarget: cron.TargetIsolated,
		Payload: cron.Payload{
			Kind:       "agentTurn",
			Message:    "summarize",
			Model:      "claude-3-5-haiku-20241022",
			TimeoutSec: 90,
		},
	}
	if err := rt.fireCronJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	got := awaitInbound(t, rt.msgBus)
	if got.Metadata["model"] != "claude-3-5-haiku-20241022" {
		t.Errorf("model metadata = %q", got.Metadata["model"])
	}
	if got.Metadata["timeout_sec"] != "90" {
		t.Errorf("timeout metadata = %q", got.Metadata["timeout_sec"])
	}

	// No overrides means no metadata at all.
	plain := cron.Job{
		ID:            "job-4",
		SessionTarget: cron.TargetIsolated,
		Payload:       cron.Payload{Kind: "agentTurn", Message: "plain"},
	}
	if err := rt.fireCronJob(context.Background(), plain); err != nil {
		t.Fatal(err)
	}
	if got := awaitInbound(t, rt.msgBus); got.Metadata != nil {
		t.Errorf("unexpected metadata = %v", got.Metadata)
	}
}

func TestFireCronJobReminderGoesOutbound(t *testing.T) {
	rt := &runtime{msgBus: bus.NewMessageBus()}

	job := cron.Job{
		ID:      "rem-1",
		Channel: "telegram",
		Target:  "chat-9",
		Payload: cron.Payload{Kind: "systemEvent", Text: "stand up"},
	}
	if err := rt.fireCronJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := rt.msgBus.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Channel != "telegram" || out.ChatID != "chat-9" || out.Content != "stand up" {
		t.Errorf("outbound = %+v", out)
	}
}
