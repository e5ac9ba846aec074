package broadcast

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/records"
)

func shipmentNotice(tenantID, origin string) Notice {
	return Notice{
		TenantID:      tenantID,
		OriginSession: origin,
		Entry:         records.ChangeEntry{Kind: records.KindShipment, EntityID: "sh-1", ArrivalAtServer: 10},
	}
}

func TestPublishSkipsOriginAndOtherTenants(t *testing.T) {
	broadcaster := NewBroadcaster(Config{})
	sessionA := broadcaster.Subscribe("acme", "a")
	sessionB := broadcaster.Subscribe("acme", "b")
	sessionC := broadcaster.Subscribe("globex", "c")

	delivered := broadcaster.Publish(shipmentNotice("acme", "a"))
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}

	select {
	case notice := <-sessionB.Notices():
		if notice.Entry.Kind != records.KindShipment {
			t.Fatalf("unexpected kind %s", notice.Entry.Kind)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notice for sibling session")
	}

	select {
	case <-sessionA.Notices():
		t.Fatal("did not expect an echo to the originating session")
	case <-sessionC.Notices():
		t.Fatal("did not expect delivery to another tenant")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAndUnsubscribeAreIdempotent(t *testing.T) {
	broadcaster := NewBroadcaster(Config{})
	first := broadcaster.Subscribe("acme", "a")
	second := broadcaster.Subscribe("acme", "a")
	if first != second {
		t.Fatalf("expected repeated subscribe to return the same subscription")
	}
	if count := broadcaster.Counts()["acme"]; count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}

	broadcaster.Unsubscribe("acme", "a")
	broadcaster.Unsubscribe("acme", "a")
	broadcaster.Unsubscribe("acme", "never-subscribed")

	select {
	case <-first.Done():
	default:
		t.Fatal("expected subscription to be done")
	}
	if first.Reason() != ReasonUnsubscribed {
		t.Fatalf("unexpected reason %q", first.Reason())
	}
	if _, ok := broadcaster.Counts()["acme"]; ok {
		t.Fatalf("expected tenant entry to be removed")
	}
	if delivered := broadcaster.Publish(shipmentNotice("acme", "")); delivered != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", delivered)
	}
}

func TestSlowConsumerIsDroppedWithoutBlocking(t *testing.T) {
	broadcaster := NewBroadcaster(Config{BufferSize: 1})
	slow := broadcaster.Subscribe("acme", "slow")
	healthy := broadcaster.Subscribe("acme", "healthy")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for index := 0; index < 3; index++ {
			broadcaster.Publish(shipmentNotice("acme", ""))
			<-healthy.Notices()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("expected slow consumer to be dropped")
	}
	if slow.Reason() != ReasonSlowConsumer {
		t.Fatalf("unexpected reason %q", slow.Reason())
	}
	select {
	case <-healthy.Done():
		t.Fatal("did not expect healthy consumer to be dropped")
	default:
	}
}

func TestCloseTenantEndsOnlyThatTenant(t *testing.T) {
	broadcaster := NewBroadcaster(Config{})
	acme := broadcaster.Subscribe("acme", "a")
	globex := broadcaster.Subscribe("globex", "g")

	if closed := broadcaster.CloseTenant("acme", "store_unavailable"); closed != 1 {
		t.Fatalf("expected one closed session, got %d", closed)
	}
	select {
	case <-acme.Done():
	default:
		t.Fatal("expected acme session to be closed")
	}
	if acme.Reason() != "store_unavailable" {
		t.Fatalf("unexpected reason %q", acme.Reason())
	}
	select {
	case <-globex.Done():
		t.Fatal("did not expect globex session to be closed")
	default:
	}
}

func TestSubscribeAfterCloseIsDone(t *testing.T) {
	broadcaster := NewBroadcaster(Config{})
	existing := broadcaster.Subscribe("acme", "a")
	broadcaster.Close()

	late := broadcaster.Subscribe("acme", "b")
	for _, subscription := range []*Subscription{existing, late} {
		select {
		case <-subscription.Done():
		default:
			t.Fatal("expected subscription to be done after close")
		}
		if subscription.Reason() != ReasonShutdown {
			t.Fatalf("unexpected reason %q", subscription.Reason())
		}
	}
}
