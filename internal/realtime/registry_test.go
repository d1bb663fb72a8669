package realtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

func TestRegisterAutoSubscribes(t *testing.T) {
	reg := NewRegistry(testLogger())
	conn := newFakeConn("c1", "u7", user.RoleUser)
	reg.Register(conn)

	for _, topic := range []string{UserTopic("u7"), RoleTopic(user.RoleUser)} {
		subs := reg.ConnectionsFor(topic)
		if len(subs) != 1 || subs[0].ID() != "c1" {
			t.Errorf("ConnectionsFor(%q) = %d subscribers, want [c1]", topic, len(subs))
		}
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger())
	conn := newFakeConn("c1", "u7", user.RoleUser)
	reg.Register(conn)

	reg.Subscribe("c1", DeviceTopic("42"))
	reg.Subscribe("c1", DeviceTopic("42"))
	if subs := reg.ConnectionsFor(DeviceTopic("42")); len(subs) != 1 {
		t.Errorf("subscribers = %d after double subscribe, want 1", len(subs))
	}

	reg.Unsubscribe("c1", DeviceTopic("42"))
	reg.Unsubscribe("c1", DeviceTopic("42"))
	if subs := reg.ConnectionsFor(DeviceTopic("42")); len(subs) != 0 {
		t.Errorf("subscribers = %d after unsubscribe, want 0", len(subs))
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	reg := NewRegistry(testLogger())

	// A subscribe that raced an unregister is silently ignored.
	reg.Subscribe("ghost", DeviceTopic("42"))
	if subs := reg.ConnectionsFor(DeviceTopic("42")); len(subs) != 0 {
		t.Errorf("subscribers = %d for ghost connection, want 0", len(subs))
	}
}

func TestUnregisterRemovesEverywhere(t *testing.T) {
	reg := NewRegistry(testLogger())
	conn := newFakeConn("c1", "u7", user.RoleUser)
	reg.Register(conn)
	reg.Subscribe("c1", DeviceTopic("42"))
	reg.Subscribe("c1", OrgTopic("acme"))

	reg.Unregister("c1")

	for _, topic := range []string{
		UserTopic("u7"), RoleTopic(user.RoleUser), DeviceTopic("42"), OrgTopic("acme"),
	} {
		if subs := reg.ConnectionsFor(topic); len(subs) != 0 {
			t.Errorf("ConnectionsFor(%q) = %d after unregister, want 0", topic, len(subs))
		}
	}
	if conns := reg.ConnectionsForUser("u7"); len(conns) != 0 {
		t.Errorf("ConnectionsForUser() = %d after unregister, want 0", len(conns))
	}

	// Racing disconnect and forced logout both converge to "gone".
	reg.Unregister("c1")
}

func TestMultiDeviceLogin(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(newFakeConn("c1", "u7", user.RoleUser))
	reg.Register(newFakeConn("c2", "u7", user.RoleUser))

	if conns := reg.ConnectionsForUser("u7"); len(conns) != 2 {
		t.Fatalf("ConnectionsForUser() = %d, want 2", len(conns))
	}

	reg.Unregister("c1")
	if conns := reg.ConnectionsForUser("u7"); len(conns) != 1 {
		t.Errorf("ConnectionsForUser() = %d after one disconnect, want 1", len(conns))
	}
}

func TestForceDisconnect(t *testing.T) {
	reg := NewRegistry(testLogger())
	c1 := newFakeConn("c1", "u7", user.RoleUser)
	c2 := newFakeConn("c2", "u7", user.RoleUser)
	other := newFakeConn("c3", "u8", user.RoleUser)
	reg.Register(c1)
	reg.Register(c2)
	reg.Register(other)

	count := reg.ForceDisconnect("u7", "token revoked")
	if count != 2 {
		t.Errorf("ForceDisconnect() = %d, want 2", count)
	}
	if conns := reg.ConnectionsForUser("u7"); len(conns) != 0 {
		t.Errorf("ConnectionsForUser() = %d immediately after, want 0", len(conns))
	}
	if c1.kickedWith() != "token revoked" || c2.kickedWith() != "token revoked" {
		t.Error("connections were not kicked with the revocation reason")
	}
	if other.kickedWith() != "" {
		t.Error("unrelated user's connection was kicked")
	}
}

func TestPruneIdle(t *testing.T) {
	reg := NewRegistry(testLogger())
	stale := newFakeConn("c1", "u7", user.RoleUser)
	stale.setIdle(3 * time.Hour)
	fresh := newFakeConn("c2", "u8", user.RoleUser)
	reg.Register(stale)
	reg.Register(fresh)

	if pruned := reg.PruneIdle(2 * time.Hour); pruned != 1 {
		t.Errorf("PruneIdle() = %d, want 1", pruned)
	}
	if stale.kickedWith() == "" {
		t.Error("stale connection was not kicked")
	}
	if conns := reg.ConnectionsForUser("u8"); len(conns) != 1 {
		t.Error("fresh connection was pruned")
	}
}

func TestRegistryStats(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(newFakeConn("c1", "u7", user.RoleUser))
	reg.Register(newFakeConn("c2", "u7", user.RoleUser))
	reg.Register(newFakeConn("c3", "u8", user.RoleAdmin))
	reg.Subscribe("c1", DeviceTopic("42"))

	stats := reg.Stats()
	if stats.Connections != 3 {
		t.Errorf("Connections = %d, want 3", stats.Connections)
	}
	if stats.Users != 2 {
		t.Errorf("Users = %d, want 2", stats.Users)
	}
	if got := stats.Topics[UserTopic("u7")]; got != 2 {
		t.Errorf("Topics[user:u7] = %d, want 2", got)
	}
	if got := stats.Topics[DeviceTopic("42")]; got != 1 {
		t.Errorf("Topics[device:42] = %d, want 1", got)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	reg := NewRegistry(testLogger())
	bus := NewBus(reg, 100, testLogger())

	const workers = 16
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("c%d-%d", w, i)
				conn := newFakeConn(id, fmt.Sprintf("u%d", w%4), user.RoleUser)
				reg.Register(conn)
				reg.Subscribe(id, DeviceTopic("42"))
				bus.Publish(DeviceTopic("42"), KindDeviceUpdate, nil)
				reg.Unsubscribe(id, DeviceTopic("42"))
				reg.Unregister(id)
			}
		}(w)
	}
	wg.Wait()

	stats := reg.Stats()
	if stats.Connections != 0 {
		t.Errorf("Connections = %d after churn, want 0", stats.Connections)
	}
	if len(stats.Topics) != 0 {
		t.Errorf("Topics = %v after churn, want empty", stats.Topics)
	}
}

func TestSubscribeRacingUnregisterLeavesNoSubscriber(t *testing.T) {
	reg := NewRegistry(testLogger())
	topic := DeviceTopic("leak")

	// A watch op in a read pump can race a forced teardown of the same
	// connection. Whatever the interleaving, the torn-down connection must
	// not survive in any topic set.
	for i := 0; i < 500; i++ {
		conn := newFakeConn(fmt.Sprintf("c%d", i), "u1", user.RoleUser)
		reg.Register(conn)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Subscribe(conn.id, topic)
		}()
		go func() {
			defer wg.Done()
			reg.Unregister(conn.id)
		}()
		wg.Wait()
		reg.Unregister(conn.id)

		if subs := reg.ConnectionsFor(topic); len(subs) != 0 {
			t.Fatalf("iteration %d: %d subscriber(s) on %s with zero registered connections",
				i, len(subs), topic)
		}
	}
}

func TestSubscribeAfterUnregisterIsIgnored(t *testing.T) {
	reg := NewRegistry(testLogger())
	conn := newFakeConn("c1", "u1", user.RoleUser)
	reg.Register(conn)
	reg.Unregister("c1")

	reg.Subscribe("c1", DeviceTopic("42"))
	if subs := reg.ConnectionsFor(DeviceTopic("42")); len(subs) != 0 {
		t.Errorf("unregistered connection resubscribed: %d subscriber(s)", len(subs))
	}
}
