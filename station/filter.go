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
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/dimchat/dimd/facebook"
	"github.com/dimchat/dimd/protocol"
)

var (
	ErrBlocked     = errors.New("station: receiver blocks this sender")
	ErrRateLimited = errors.New("station: sender exceeds message rate")

	filterBlockedMeter = metrics.NewRegisteredMeter("station/filter/blocked", nil)
	filterMutedMeter   = metrics.NewRegisteredMeter("station/filter/muted", nil)
	filterRateMeter    = metrics.NewRegisteredMeter("station/filter/ratelimited", nil)
)

const (
	// per-sender envelope rate, enough for a chatty client but not a flood
	senderRate  = rate.Limit(20)
	senderBurst = 40

	limiterCacheSize = 8192
)

// Filter applies the station's delivery policy: block lists stop messages
// before routing, mute lists stop push notifications only, and a
// per-sender token bucket caps the envelope rate.
type Filter struct {
	directory *facebook.Facebook
	limiters  *lru.Cache[protocol.ID, *rate.Limiter]
}

func NewFilter(directory *facebook.Facebook) *Filter {
	limiters, _ := lru.New[protocol.ID, *rate.Limiter](limiterCacheSize)
	return &Filter{directory: directory, limiters: limiters}
}

// CheckDeliver decides whether the envelope may be routed at all.
// Broadcast receivers have no block list; commands to the station itself
// are never filtered (the caller routes those before filtering).
func (f *Filter) CheckDeliver(msg *protocol.ReliableMessage) error {
	if err := f.allowRate(msg.Sender); err != nil {
		filterRateMeter.Mark(1)
		return err
	}
	if msg.Receiver.IsBroadcast() {
		return nil
	}
	blocked, err := f.isListed(msg.Receiver, msg.Sender, f.directory.Database().BlockList)
	if err != nil {
		return err
	}
	if blocked {
		filterBlockedMeter.Mark(1)
		return ErrBlocked
	}
	return nil
}

// ShouldPush decides whether an offline notification may be sent for the
// envelope. Muted senders are still delivered, just silently.
func (f *Filter) ShouldPush(msg *protocol.ReliableMessage) bool {
	from := msg.Sender
	if msg.Group != nil {
		from = *msg.Group
	}
	muted, err := f.isListed(msg.Receiver, from, f.directory.Database().MuteList)
	if err != nil || muted {
		filterMutedMeter.Mark(1)
		return false
	}
	return true
}

func (f *Filter) isListed(owner, subject protocol.ID, load func(protocol.ID) ([]protocol.ID, error)) (bool, error) {
	list, err := load(owner)
	if err != nil {
		return false, err
	}
	for _, id := range list {
		if id.Equal(subject) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Filter) allowRate(sender protocol.ID) error {
	// stations relay aggregate traffic and are exempt
	if sender.IsStation() {
		return nil
	}
	limiter, ok := f.limiters.Get(sender)
	if !ok {
		limiter = rate.NewLimiter(senderRate, senderBurst)
		f.limiters.Add(sender, limiter)
	}
	if !limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}
