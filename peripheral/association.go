package peripheral

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rigado/companion"
	"github.com/rigado/companion/oob"
)

// oobExchangeTimeout bounds one out-of-band key delivery.
const oobExchangeTimeout = 30 * time.Second

// StartAssociation renames the adapter to name and advertises the
// association service. cb follows the attempt until it completes or fails.
func (m *Manager) StartAssociation(name string, cb companion.AssociationCallback) {
	m.sched.Post(func() {
		m.startAssociation(name, cb, cb)
	})
}

// StartOutOfBandAssociation is StartAssociation where the verification code
// is confirmed through ch instead of by the user. The key for the code is
// sent over ch once advertising has started.
func (m *Manager) StartOutOfBandAssociation(name string, ch oob.Channel, cb companion.AssociationCallback) {
	m.sched.Post(func() {
		mgr := oob.NewConnectionManager()
		wrapped := &oobAssociationCallback{AssociationCallback: cb, m: m, mgr: mgr, ch: ch}
		m.startAssociation(name, wrapped, cb)
		if m.assocCb == wrapped {
			m.oobMgr = mgr
			wrapped.gen = m.gen
		}
	})
}

// StopAssociation cancels an association started with cb. Other callers'
// associations are left alone.
func (m *Manager) StopAssociation(cb companion.AssociationCallback) {
	m.sched.Post(func() {
		if m.assocCb == nil || m.assocKey != cb {
			m.log.Debug("stop association: not the current association")
			return
		}
		m.teardown()
	})
}

// NotifyOutOfBandAccepted confirms the verification code shown to the user.
func (m *Manager) NotifyOutOfBandAccepted() {
	m.sched.Post(func() {
		if m.device == nil || m.channel == nil {
			m.log.Warn("verification accepted without a connected device")
			return
		}
		ch, ok := m.channel.(interface{ NotifyOutOfBandAccepted() })
		if !ok {
			m.log.Warn("verification accepted on a channel that is not associating")
			return
		}
		ch.NotifyOutOfBandAccepted()
	})
}

func (m *Manager) startAssociation(name string, cb, key companion.AssociationCallback) {
	m.teardown()
	m.assocCb, m.assocKey = cb, key

	if m.originalName == "" {
		orig, err := m.storage.StoredAdapterName()
		if err != nil {
			m.log.Errorf("read stored adapter name: %v", err)
		}
		if orig == "" {
			orig = m.adapter.Name()
		}
		if err := m.storage.SaveAdapterName(orig); err != nil {
			m.log.Errorf("save adapter name: %v", err)
		}
		m.originalName = orig
	}

	if err := m.adapter.SetName(name); err != nil {
		m.log.Errorf("set adapter name %q: %v", name, err)
		m.failAssociationStart()
		return
	}

	m.events = &peripheralEvents{m: m, gen: m.gen}
	m.p.RegisterCallback(m.events)
	m.publish()

	m.log.Infof("starting association as %q", name)
	m.attemptAssociationAdvertising(m.gen, name, 0)
}

// attemptAssociationAdvertising waits for the adapter to report name, then
// starts advertising.
func (m *Manager) attemptAssociationAdvertising(gen uint64, name string, attempt int) {
	if gen != m.gen {
		return
	}

	if m.adapter.Name() != name {
		if m.nameRetryLimit > 0 && attempt >= m.nameRetryLimit {
			m.log.Errorf("adapter never reported name %q", name)
			m.failAssociationStart()
			return
		}
		m.retryTask = m.sched.PostDelayed(func() {
			m.attemptAssociationAdvertising(gen, name, attempt+1)
		}, m.nameRetryDelay)
		return
	}

	svc := m.service(m.assocService)
	data := companion.AdvertiseData{
		IncludeDeviceName: true,
		ServiceUUIDs:      []uuid.UUID{m.assocService},
	}
	m.startAdvertising(svc, data, func() {
		if cb := m.assocCb; cb != nil {
			cb.OnAssociationStartSuccess(name)
		}
	}, func(code int) {
		m.log.Errorf("association advertising failed with code %d", code)
		m.failAssociationStart()
	})
}

func (m *Manager) failAssociationStart() {
	cb := m.assocCb
	m.teardown()
	if cb != nil {
		cb.OnAssociationStartFailure()
	}
}

// oobAssociationCallback runs the out-of-band key exchange once advertising
// started, and reports start success only after the key was delivered.
type oobAssociationCallback struct {
	companion.AssociationCallback
	m   *Manager
	gen uint64
	mgr *oob.ConnectionManager
	ch  oob.Channel
}

func (c *oobAssociationCallback) OnAssociationStartSuccess(name string) {
	gen := c.gen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), oobExchangeTimeout)
		defer cancel()
		err := c.mgr.StartOobExchange(ctx, c.ch)

		c.m.sched.Post(func() {
			if gen != c.m.gen {
				return
			}
			if err != nil {
				c.m.log.Errorf("out-of-band exchange: %v", err)
				c.m.failAssociationStart()
				return
			}
			c.AssociationCallback.OnAssociationStartSuccess(name)
		})
	}()
}
