package quorum

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/alanwang67/stabilizing_registers/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagPtr(counter uint64) *record.Tag {
	return &record.Tag{Counter: counter}
}

func writeRequest(counter uint64) protocol.Message {
	return protocol.Message{Label: protocol.LabelWrite, Mode: protocol.ModeWrite, Tag: tagPtr(counter), Element: []byte("v")}
}

func echo(counter uint64, label protocol.Label) []byte {
	return protocol.Message{Label: label, Tag: tagPtr(counter), ReqTag: record.Tag{Counter: counter}}.Marshal()
}

type phaseResult struct {
	replies []protocol.Message
	err     error
}

// begin starts a round in the background and waits until the coordinator
// has registered it.
func begin(t *testing.T, c *Coordinator, req Request, required int) <-chan phaseResult {
	t.Helper()
	_, started := c.Pending(0)
	out := make(chan phaseResult, 1)
	go func() {
		replies, err := c.BeginPhase(context.Background(), req, required)
		out <- phaseResult{replies, err}
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("round did not start")
	}
	return out
}

func requireDone(t *testing.T, out <-chan phaseResult) phaseResult {
	t.Helper()
	select {
	case res := <-out:
		require.NoError(t, res.err)
		return res
	case <-time.After(time.Second):
		t.Fatal("round did not complete")
		return phaseResult{}
	}
}

func requirePending(t *testing.T, out <-chan phaseResult) {
	t.Helper()
	select {
	case res := <-out:
		t.Fatalf("round completed early with %d replies", len(res.replies))
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMajority(t *testing.T) {
	tests := []struct{ n, want int }{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {6, 4}, {7, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Majority(tt.n), "n=%d", tt.n)
	}
}

func TestRoundFinalizesExactlyAtQuorum(t *testing.T) {
	for n := 1; n <= 7; n++ {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			c := New(n)
			out := begin(t, c, Uniform(writeRequest(7)), 0)

			for id := 0; id < c.Quorum()-1; id++ {
				c.OnReply(id, echo(7, protocol.LabelWrite))
			}
			requirePending(t, out)

			c.OnReply(c.Quorum()-1, echo(7, protocol.LabelWrite))
			res := requireDone(t, out)
			assert.Len(t, res.replies, c.Quorum())
		})
	}
}

func TestDuplicateRepliesDoNotDoubleCount(t *testing.T) {
	c := New(3)
	out := begin(t, c, Uniform(writeRequest(1)), 0)

	c.OnReply(0, echo(1, protocol.LabelWrite))
	c.OnReply(0, echo(1, protocol.LabelWrite))
	c.OnReply(0, echo(1, protocol.LabelWrite))
	requirePending(t, out)

	c.OnReply(2, echo(1, protocol.LabelWrite))
	res := requireDone(t, out)
	assert.Len(t, res.replies, 2)
}

func TestMatchingRule(t *testing.T) {
	request := protocol.Message{Label: protocol.LabelWrite, Tag: tagPtr(7)}

	tests := []struct {
		name  string
		reply protocol.Message
		want  bool
	}{
		{"echo", protocol.Message{Label: protocol.LabelWrite, Tag: tagPtr(7), ReqTag: record.Tag{Counter: 7}}, true},
		{"different tag", protocol.Message{Label: protocol.LabelWrite, Tag: tagPtr(9), ReqTag: record.Tag{Counter: 7}}, false},
		{"query with any tag", protocol.Message{Label: protocol.LabelQuery, Tag: tagPtr(42), ReqTag: record.Tag{Counter: 7}}, true},
		{"bare ack", protocol.Message{ReqTag: record.Tag{Counter: 7}}, true},
		{"wrong request tag", protocol.Message{Label: protocol.LabelWrite, Tag: tagPtr(7), ReqTag: record.Tag{Counter: 6}}, false},
		{"wrong label", protocol.Message{Label: protocol.LabelWriteBack, Tag: tagPtr(7), ReqTag: record.Tag{Counter: 7}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(request, tt.reply))
		})
	}
}

func TestRejectedReplyIsNotCounted(t *testing.T) {
	c := New(1)
	out := begin(t, c, Uniform(writeRequest(7)), 0)

	next := c.OnReply(0, echo(9, protocol.LabelWrite))
	requirePending(t, out)
	assert.NotNil(t, next.Data, "replica keeps receiving the request")

	next = c.OnReply(0, echo(7, protocol.LabelWrite))
	requireDone(t, out)
	assert.Nil(t, next.Data)
}

func TestRetractionBeforeQuorum(t *testing.T) {
	c := New(3)
	out := begin(t, c, Uniform(writeRequest(3)), 0)

	c.OnReply(0, echo(3, protocol.LabelWrite))
	c.OnReply(0, nil)
	c.OnReply(1, echo(3, protocol.LabelWrite))
	requirePending(t, out)

	c.OnReply(2, echo(3, protocol.LabelWrite))
	res := requireDone(t, out)
	assert.Len(t, res.replies, 2)
}

func TestRetractionAfterCompletionIsNoop(t *testing.T) {
	c := New(1)
	out := begin(t, c, Uniform(writeRequest(3)), 0)
	c.OnReply(0, echo(3, protocol.LabelWrite))
	res := requireDone(t, out)

	assert.Equal(t, Outgoing{}, c.OnReply(0, nil))
	assert.Len(t, res.replies, 1)
}

func TestTransportHint(t *testing.T) {
	write := protocol.Message{Label: protocol.LabelWrite, Mode: protocol.ModeWrite}
	readQuery := protocol.Message{Label: protocol.LabelQuery, Mode: protocol.ModeRead}
	writeQuery := protocol.Message{Label: protocol.LabelQuery, Mode: protocol.ModeWrite}

	assert.True(t, useTCP(write, make([]byte, 513)))
	assert.False(t, useTCP(write, make([]byte, 512)))
	assert.True(t, useTCP(readQuery, make([]byte, 10)))
	assert.False(t, useTCP(writeQuery, make([]byte, 10)))
}

func TestOnReplyReturnsHintedRequest(t *testing.T) {
	c := New(2)
	big := writeRequest(1)
	big.Element = make([]byte, 1024)
	out := begin(t, c, Uniform(big), 0)

	next := c.OnReply(1, nil)
	assert.Equal(t, big.Marshal(), next.Data)
	assert.True(t, next.UseTCP)

	c.OnReply(0, echo(1, protocol.LabelWrite))
	c.OnReply(1, echo(1, protocol.LabelWrite))
	requireDone(t, out)
}

func TestPerReplicaRequests(t *testing.T) {
	c := New(3)
	msgs := make([]protocol.Message, 3)
	for i := range msgs {
		msgs[i] = writeRequest(5)
		msgs[i].Element = []byte{byte('a' + i)}
	}
	out := begin(t, c, PerReplica(msgs), 0)

	for i := range msgs {
		got, _ := c.Pending(i)
		assert.Equal(t, msgs[i].Marshal(), got.Data)
	}

	c.OnReply(2, echo(5, protocol.LabelWrite))
	c.OnReply(1, echo(5, protocol.LabelWrite))
	requireDone(t, out)
}

func TestPerReplicaCountMismatch(t *testing.T) {
	c := New(3)
	_, err := c.BeginPhase(context.Background(), PerReplica([]protocol.Message{writeRequest(1)}), 0)
	assert.ErrorIs(t, err, ErrReplicaCount)
}

func TestRequiredOverride(t *testing.T) {
	c := New(5)
	out := begin(t, c, Uniform(writeRequest(2)), 1)
	c.OnReply(4, echo(2, protocol.LabelWrite))
	res := requireDone(t, out)
	assert.Len(t, res.replies, 1)

	_, err := c.BeginPhase(context.Background(), Uniform(writeRequest(2)), 6)
	assert.ErrorIs(t, err, ErrQuorumSize)
}

func TestSecondRoundWhilePendingFails(t *testing.T) {
	c := New(1)
	out := begin(t, c, Uniform(writeRequest(1)), 0)

	_, err := c.BeginPhase(context.Background(), Uniform(writeRequest(2)), 0)
	assert.ErrorIs(t, err, ErrRoundInProgress)

	c.OnReply(0, echo(1, protocol.LabelWrite))
	requireDone(t, out)
}

func TestContextCancelAbandonsRound(t *testing.T) {
	c := New(3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.BeginPhase(ctx, Uniform(writeRequest(1)), 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, _ := c.Pending(0)
	assert.Nil(t, got.Data)
}

func TestNoReplicas(t *testing.T) {
	_, err := New(0).BeginPhase(context.Background(), Uniform(writeRequest(1)), 0)
	assert.ErrorIs(t, err, ErrNoReplicas)
}

// Four replicas, quorum three: replies from 0 and 2 leave the round open,
// the reply from 1 completes it and the waiting caller is released once.
func TestFourReplicaWriteRound(t *testing.T) {
	c := New(4)
	require.Equal(t, 3, c.Quorum())
	out := begin(t, c, Uniform(writeRequest(7)), 0)

	for id := 0; id < 4; id++ {
		got, _ := c.Pending(id)
		assert.NotNil(t, got.Data)
	}

	c.OnReply(0, echo(7, protocol.LabelWrite))
	c.OnReply(2, echo(7, protocol.LabelWrite))
	requirePending(t, out)

	c.OnReply(1, echo(7, protocol.LabelWrite))
	res := requireDone(t, out)

	require.Len(t, res.replies, 3)
	for _, r := range res.replies {
		assert.Equal(t, record.Tag{Counter: 7}, r.ReqTag)
	}

	// late reply after completion changes nothing
	assert.Equal(t, Outgoing{}, c.OnReply(3, echo(7, protocol.LabelWrite)))
	got, _ := c.Pending(3)
	assert.Nil(t, got.Data)

	select {
	case <-out:
		t.Fatal("caller released twice")
	default:
	}
}

func TestRepliesKeepInsertionOrder(t *testing.T) {
	c := New(5)
	out := begin(t, c, Uniform(writeRequest(1)), 5)

	for _, id := range []int{3, 0, 4, 1, 2} {
		payload := protocol.Message{
			Label:   protocol.LabelWrite,
			Tag:     tagPtr(1),
			ReqTag:  record.Tag{Counter: 1},
			Element: []byte{byte('0' + id)},
		}.Marshal()
		c.OnReply(id, payload)
	}
	res := requireDone(t, out)

	var order []byte
	for _, r := range res.replies {
		order = append(order, r.Element...)
	}
	assert.Equal(t, "30412", string(order))
}
