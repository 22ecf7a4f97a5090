// Copyright 2026 The dimd Authors
// This file is part of the dimd library.
//
// The dimd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dimd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dimd library. If not, see <http://www.gnu.org/licenses/>.

package station

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/protocol"
)

// PushService delivers an offline notification to a device. Implementations
// talk to APNs, FCM or whatever the deployment wires in; the station only
// knows this interface.
type PushService interface {
	Push(recipient protocol.ID, text string, badge int) error
}

// BadgeClearer is implemented by push services that track an unread badge
// per device (APNs does). Services without badges simply miss the calls.
type BadgeClearer interface {
	ClearBadge(recipient protocol.ID) error
}

const (
	pushQueueSize  = 1024
	pushDedupSize  = 4096
	pushDedupAge   = time.Minute
	pushBatchText  = "You have %d new messages"
	pushSingleText = "New message received"
)

var (
	pushOutMeter     = metrics.NewRegisteredMeter("station/push/out", nil)
	pushDroppedMeter = metrics.NewRegisteredMeter("station/push/dropped", nil)
	pushDedupMeter   = metrics.NewRegisteredMeter("station/push/dedup", nil)
)

type pushItem struct {
	recipient protocol.ID
	signature string
	badge     int
	clear     bool
}

// PushSink queues offline notifications and hands them to the configured
// service from a single worker. Enqueueing never blocks the dispatcher:
// a full queue drops the notification, the message itself is already
// spooled. A (recipient, signature) pair is notified at most once per
// minute so retried deliveries stay silent.
type PushSink struct {
	service PushService
	clock   mclock.Clock
	log     log.Logger

	queue chan pushItem
	seen  *lru.Cache[string, mclock.AbsTime]

	// devices that reported "online" are in the foreground and need no push
	foreground mapset.Set[protocol.ID]

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func NewPushSink(service PushService, clock mclock.Clock) *PushSink {
	if clock == nil {
		clock = mclock.System{}
	}
	seen, _ := lru.New[string, mclock.AbsTime](pushDedupSize)
	return &PushSink{
		service:    service,
		clock:      clock,
		log:        log.New("module", "push"),
		queue:      make(chan pushItem, pushQueueSize),
		seen:       seen,
		foreground: mapset.NewSet[protocol.ID](),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (p *PushSink) Start() {
	p.startOnce.Do(func() { go p.loop() })
}

// Stop terminates the worker; queued notifications are abandoned.
func (p *PushSink) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
}

// Notify enqueues an offline notification for a spooled envelope. badge is
// the recipient's current spool depth.
func (p *PushSink) Notify(recipient protocol.ID, msg *protocol.ReliableMessage, badge int) {
	if p.service == nil {
		return
	}
	if p.foreground.Contains(recipient) {
		return
	}
	key := string(recipient.Address()) + "/" + msg.SignatureKey()
	if at, ok := p.seen.Get(key); ok && p.clock.Now().Sub(at) < pushDedupAge {
		pushDedupMeter.Mark(1)
		return
	}
	p.seen.Add(key, p.clock.Now())

	select {
	case p.queue <- pushItem{recipient: recipient, signature: msg.SignatureKey(), badge: badge}:
	default:
		pushDroppedMeter.Mark(1)
	}
}

// ClearBadge resets the recipient's unread badge after the spool drained
// or the last session left. A no-op for services without badges.
func (p *PushSink) ClearBadge(recipient protocol.ID) {
	if _, ok := p.service.(BadgeClearer); !ok {
		return
	}
	select {
	case p.queue <- pushItem{recipient: recipient, clear: true}:
	default:
		pushDroppedMeter.Mark(1)
	}
}

// ClientReported tracks report commands: "online" devices are foreground
// and muted, "offline" re-enables notifications.
func (p *PushSink) ClientReported(id protocol.ID, title string) {
	switch title {
	case protocol.ReportOnline:
		p.foreground.Add(id)
	case protocol.ReportOffline:
		p.foreground.Remove(id)
	}
}

func (p *PushSink) loop() {
	defer close(p.done)
	for {
		select {
		case item := <-p.queue:
			if item.clear {
				if clearer, ok := p.service.(BadgeClearer); ok {
					if err := clearer.ClearBadge(item.recipient); err != nil {
						p.log.Warn("Badge clear failed", "recipient", item.recipient, "err", err)
					}
				}
				continue
			}
			text := pushSingleText
			if item.badge > 1 {
				text = fmt.Sprintf(pushBatchText, item.badge)
			}
			if err := p.service.Push(item.recipient, text, item.badge); err != nil {
				p.log.Warn("Push delivery failed", "recipient", item.recipient, "err", err)
				continue
			}
			pushOutMeter.Mark(1)
		case <-p.quit:
			return
		}
	}
}
