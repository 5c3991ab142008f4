package metrics

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, r *Recorder, name string) []*dto.Metric {
	t.Helper()
	families, err := r.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestMessageSentIncrementsByFundingSource(t *testing.T) {
	r := New()
	r.MessageSent("personal_balance")
	r.MessageSent("personal_balance")
	r.MessageSent("free_allowance")

	metrics := gather(t, r, "vaultchat_messages_sent_total")
	var personal, free float64
	for _, m := range metrics {
		for _, l := range m.GetLabel() {
			if l.GetName() == "funding_source" {
				switch l.GetValue() {
				case "personal_balance":
					personal = m.GetCounter().GetValue()
				case "free_allowance":
					free = m.GetCounter().GetValue()
				}
			}
		}
	}
	if personal != 2 {
		t.Fatalf("personal_balance count = %v, want 2", personal)
	}
	if free != 1 {
		t.Fatalf("free_allowance count = %v, want 1", free)
	}
}

func TestWalletDebitTracksCountAndAmount(t *testing.T) {
	r := New()
	r.WalletDebit("purchased", 500)
	r.WalletDebit("purchased", 250)

	counts := gather(t, r, "vaultchat_wallet_debits_total")
	if len(counts) != 1 || counts[0].GetCounter().GetValue() != 2 {
		t.Fatalf("unexpected wallet_debits_total: %+v", counts)
	}
	amounts := gather(t, r, "vaultchat_wallet_debit_ticks_total")
	if len(amounts) != 1 || amounts[0].GetCounter().GetValue() != 750 {
		t.Fatalf("unexpected wallet_debit_ticks_total: %+v", amounts)
	}
}

type fakeSampler struct {
	conns, keys int
}

func (f fakeSampler) ActiveConnections() int { return f.conns }
func (f fakeSampler) RateLimiterKeys() int   { return f.keys }

func TestRunCollectorSamplesUntilCancelled(t *testing.T) {
	r := New()
	sampler := fakeSampler{conns: 3, keys: 7}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunCollector(ctx, sampler, time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		conns := gather(t, r, "vaultchat_ws_active_connections")
		if conns[0].GetGauge().GetValue() == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("gauge never reached expected value")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunCollector did not return after cancellation")
	}

	keys := gather(t, r, "vaultchat_rate_limiter_tracked_keys")
	if keys[0].GetGauge().GetValue() != 7 {
		t.Fatalf("rate_limiter_tracked_keys = %v, want 7", keys[0].GetGauge().GetValue())
	}
}

func TestShutdownHandlesNilServer(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Fatalf("Shutdown(nil): %v", err)
	}
}
