// Copyright 2024 WeDPR Lab.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wedpr-lab/ppc-gateway/pkg/front"
	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
	"github.com/wedpr-lab/ppc-gateway/pkg/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type ackRecord struct {
	agency string
	corrID protocol.CorrelationID
	status string
}

type fakeSender struct {
	mu       sync.Mutex
	acks     []ackRecord
	agencies map[string][]string
	sendFunc func(ctx context.Context, agency string, msg *protocol.Message, timeout time.Duration) (string, error)
}

func (f *fakeSender) Send(ctx context.Context, agency string, msg *protocol.Message, timeout time.Duration) (string, error) {
	if f.sendFunc != nil {
		return f.sendFunc(ctx, agency, msg, timeout)
	}
	return protocol.AckSuccess, nil
}

func (f *fakeSender) SendAck(agency string, corrID protocol.CorrelationID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackRecord{agency: agency, corrID: corrID, status: status})
	return nil
}

func (f *fakeSender) RegisterAgency(agency string, endpoints []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agencies == nil {
		f.agencies = make(map[string][]string)
	}
	f.agencies[agency] = endpoints
	return nil
}

func (f *fakeSender) AgencyList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.agencies))
	for id := range f.agencies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *fakeSender) acksSnapshot() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.acks...)
}

type fakeFront struct {
	mu       sync.Mutex
	received []*protocol.Message
	result   error
}

func (f *fakeFront) Dispatch(_ context.Context, msg *protocol.Message, onComplete func(error)) {
	f.mu.Lock()
	f.received = append(f.received, msg)
	f.mu.Unlock()
	onComplete(f.result)
}

func (f *fakeFront) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestParkedThenDrained(t *testing.T) {
	sender := &fakeSender{}
	fronts := front.NewManager()
	tasks := task.NewLocalManager()
	g := New(Config{HoldingInterval: time.Hour}, tasks, fronts, sender)

	msg := &protocol.Message{TaskID: "T1", UUID: "corr-1"}
	g.HandleInbound("agency-a", msg)
	require.Empty(t, sender.acksSnapshot())

	fr := &fakeFront{}
	fronts.Register("front1", fr)
	require.NoError(t, g.NotifyTaskInfo("T1", "front1"))

	require.Equal(t, 1, fr.count())
	acks := sender.acksSnapshot()
	require.Len(t, acks, 1)
	require.Equal(t, protocol.AckSuccess, acks[0].status)
}

func TestTimeoutDrain(t *testing.T) {
	sender := &fakeSender{}
	g := New(Config{HoldingInterval: 20 * time.Millisecond}, task.NewLocalManager(), front.NewManager(), sender)

	g.HandleInbound("agency-a", &protocol.Message{TaskID: "T1", UUID: "corr-1"})

	require.Eventually(t, func() bool {
		acks := sender.acksSnapshot()
		return len(acks) == 1 && acks[0].status == protocol.AckTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestFrontGoneEmitsError(t *testing.T) {
	sender := &fakeSender{}
	fronts := front.NewManager()
	tasks := task.NewLocalManager()
	g := New(DefaultConfig(), tasks, fronts, sender)

	require.NoError(t, g.NotifyTaskInfo("T2", "frontGone"))
	g.HandleInbound("agency-a", &protocol.Message{TaskID: "T2", UUID: "corr-2"})

	acks := sender.acksSnapshot()
	require.Len(t, acks, 1)
	require.Equal(t, protocol.AckError, acks[0].status)
}

func TestBroadcastReachesAllFronts(t *testing.T) {
	sender := &fakeSender{}
	fronts := front.NewManager()
	g := New(DefaultConfig(), task.NewLocalManager(), fronts, sender)

	f1, f2, f3 := &fakeFront{}, &fakeFront{}, &fakeFront{}
	fronts.Register("f1", f1)
	fronts.Register("f2", f2)
	fronts.Register("f3", f3)

	g.HandleInbound("agency-a", &protocol.Message{UUID: "corr-3"})

	require.Eventually(t, func() bool {
		return f1.count() == 1 && f2.count() == 1 && f3.count() == 1
	}, time.Second, 5*time.Millisecond)

	acks := sender.acksSnapshot()
	require.Len(t, acks, 1)
	require.Equal(t, protocol.AckSuccess, acks[0].status)
}

func TestBroadcastAllFailEmitsError(t *testing.T) {
	sender := &fakeSender{}
	fronts := front.NewManager()
	g := New(DefaultConfig(), task.NewLocalManager(), fronts, sender)

	fronts.Register("f1", &fakeFront{result: context.Canceled})
	g.HandleInbound("agency-a", &protocol.Message{UUID: "corr-4"})

	require.Eventually(t, func() bool {
		return len(sender.acksSnapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.AckError, sender.acksSnapshot()[0].status)
}

func TestDoubleNotifyTaskInfoIsAlreadyExists(t *testing.T) {
	sender := &fakeSender{}
	tasks := task.NewLocalManager()
	g := New(DefaultConfig(), tasks, front.NewManager(), sender)

	require.NoError(t, g.NotifyTaskInfo("T3", "x"))
	require.Error(t, g.NotifyTaskInfo("T3", "y"))

	endpoint, ok := tasks.Lookup("T3")
	require.True(t, ok)
	require.Equal(t, "x", endpoint)
}

func TestEraseThenNotifyAgainSucceeds(t *testing.T) {
	sender := &fakeSender{}
	tasks := task.NewLocalManager()
	g := New(DefaultConfig(), tasks, front.NewManager(), sender)

	require.NoError(t, g.NotifyTaskInfo("T4", "x"))
	require.NoError(t, g.EraseTaskInfo("T4"))
	require.NoError(t, g.NotifyTaskInfo("T4", "y"))
}

func TestAsyncSendMessageSuccess(t *testing.T) {
	sender := &fakeSender{sendFunc: func(context.Context, string, *protocol.Message, time.Duration) (string, error) {
		return protocol.AckSuccess, nil
	}}
	g := New(DefaultConfig(), task.NewLocalManager(), front.NewManager(), sender)

	done := make(chan error, 1)
	g.AsyncSendMessage("agency-b", &protocol.Message{TaskID: "t"}, func(err error) { done <- err })
	require.NoError(t, <-done)
}

func TestAsyncSendMessageErrorAckSurfacesError(t *testing.T) {
	sender := &fakeSender{sendFunc: func(context.Context, string, *protocol.Message, time.Duration) (string, error) {
		return protocol.AckError, nil
	}}
	g := New(DefaultConfig(), task.NewLocalManager(), front.NewManager(), sender)

	done := make(chan error, 1)
	g.AsyncSendMessage("agency-b", &protocol.Message{TaskID: "t"}, func(err error) { done <- err })
	require.Error(t, <-done)
}

func TestStopCancelsHoldingTimersAndIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	g := New(Config{HoldingInterval: 20 * time.Millisecond}, task.NewLocalManager(), front.NewManager(), sender)

	g.HandleInbound("agency-a", &protocol.Message{TaskID: "T1", UUID: "corr-1"})
	g.Stop()
	g.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sender.acksSnapshot())
}

func TestRegisterGatewayDelegatesToSender(t *testing.T) {
	sender := &fakeSender{}
	g := New(DefaultConfig(), task.NewLocalManager(), front.NewManager(), sender)

	require.NoError(t, g.RegisterGateway(map[string][]string{"agency-a": {"localhost:1"}}))

	var agencies []string
	g.AsyncGetAgencyList(func(err error, list []string) {
		require.NoError(t, err)
		agencies = list
	})
	require.Equal(t, []string{"agency-a"}, agencies)
}
